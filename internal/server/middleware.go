package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"proofline/internal/ratelimit"
)

// requestLogger logs one line per request. The route pattern is logged
// instead of the raw path so public tokens stay out of the logs.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			slot := &errorSlot{}
			r = r.WithContext(context.WithValue(r.Context(), errorSlotKey{}, slot))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				if slot.err != nil {
					fields = append(fields, zap.Error(slot.err))
				}
				log.Error("request", fields...)
				return
			}
			log.Info("request", fields...)
		})
	}
}

type errorSlotKey struct{}

// errorSlot carries the cause of a 500 from the handler back to the request
// log line.
type errorSlot struct{ err error }

func recordInternalError(ctx context.Context, err error) {
	if slot, ok := ctx.Value(errorSlotKey{}).(*errorSlot); ok {
		slot.err = err
	}
}

// newRateLimitMiddleware throttles unauthenticated token routes per client
// IP. Limiter errors let the request through.
func newRateLimitMiddleware(basePath, publicPath string, limiter ratelimit.Limiter, proxies []*net.IPNet, log *zap.Logger) func(http.Handler) http.Handler {
	prefixes := []string{basePath + "/public/", "/approve/proof/"}
	if publicPath != "" {
		prefixes = append(prefixes, strings.TrimRight(publicPath, "/")+"/")
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limited := false
			for _, p := range prefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					limited = true
					break
				}
			}
			if !limited {
				next.ServeHTTP(w, r)
				return
			}
			res, err := limiter.Allow(r.Context(), "public:"+clientIP(r, proxies))
			if err != nil {
				log.Warn("rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keys on the socket peer. X-Forwarded-For is read only when the
// peer is a trusted proxy, walking right to left past the trusted hops.
func clientIP(r *http.Request, proxies []*net.IPNet) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !trusted(host, proxies) {
		return host
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			break
		}
		if !trusted(hop, proxies) {
			return hop
		}
	}
	return host
}

func trusted(host string, proxies []*net.IPNet) bool {
	if len(proxies) == 0 {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: not an IP or CIDR", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}
