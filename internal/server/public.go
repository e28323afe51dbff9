package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"proofline/internal/engine"
)

type tokenPath struct {
	Token string `path:"token" maxLength:"128"`
}

// publicError hides every miss behind the same message: a client holding a
// bad link learns nothing about which part was wrong.
func publicError(ctx context.Context, err error) huma.StatusError {
	if errors.Is(err, engine.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "link invalid or expired", nil)
	}
	return handleError(ctx, err)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func publicFilePath(basePath, token string) string {
	return path.Join(basePath, "public/proofs") + "/" + url.PathEscape(token) + "/file"
}

func registerPublic(api huma.API, basePath string, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-proof",
		Method:      http.MethodGet,
		Path:        "/public/proofs/{token}",
		Summary:     "Review context for a proof link",
		Tags:        []string{"public"},
		Errors:      []int{http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *tokenPath) (*struct {
		Body PublicContextResponse `json:"body"`
	}, error) {
		pc, err := e.Resolve(ctx, input.Token)
		if err != nil {
			return nil, publicError(ctx, err)
		}
		if pc.FileURL == "" {
			pc.FileURL = publicFilePath(basePath, input.Token)
		}
		return &struct {
			Body PublicContextResponse `json:"body"`
		}{Body: publicContext(pc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-decision",
		Method:      http.MethodPost,
		Path:        "/public/proofs/{token}/decision",
		Summary:     "Approve a proof or request a modification",
		Description: "A repeated submission answers success=false with alreadyDecided=true and changes nothing.",
		Tags:        []string{"public"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Token string       `path:"token" maxLength:"128"`
		Body  DecisionBody `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		ack, err := e.SubmitDecision(ctx, input.Token, engine.DecisionRequest{
			Decision:     input.Body.Decision,
			ClientName:   input.Body.ClientName,
			Comments:     input.Body.Comments,
			Confirmation: input.Body.Confirmation,
		})
		if err != nil {
			return nil, publicError(ctx, err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: ackResponse(ack)}, nil
	})
}

// registerPublicFile streams the proof file for buckets that have no public
// URL of their own. The token is the only credential.
func registerPublicFile(r chi.Router, basePath string, e engine.Engine) {
	route := path.Join(basePath, "public/proofs/{token}/file")
	r.Get(route, func(w http.ResponseWriter, req *http.Request) {
		proof, rc, err := e.OpenProofFile(req.Context(), chi.URLParam(req, "token"))
		if err != nil {
			respondStatusError(w, publicError(req.Context(), err))
			return
		}
		defer rc.Close()
		ct := proof.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": proof.FileName}))
		w.Header().Set("Cache-Control", "private, no-store")
		w.WriteHeader(http.StatusOK)
		io.Copy(w, rc)
	})
}

// registerLegacyRedirects keeps links from older emails working: both the
// review page path and the old approval path land on the canonical route.
func registerLegacyRedirects(r chi.Router, basePath, publicPath string) {
	redirect := func(w http.ResponseWriter, req *http.Request) {
		tok := chi.URLParam(req, "token")
		target := path.Join(basePath, "public/proofs") + "/" + url.PathEscape(tok)
		http.Redirect(w, req, target, http.StatusPermanentRedirect)
	}
	seen := map[string]bool{}
	for _, p := range []string{strings.TrimRight(publicPath, "/"), "/approve/proof"} {
		if p == "" || seen[p] || strings.HasPrefix(p, basePath+"/") {
			continue
		}
		seen[p] = true
		r.Get(p+"/{token}", redirect)
	}
}
