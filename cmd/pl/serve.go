package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"proofline/internal/app"
	"proofline/internal/config"
	"proofline/internal/migrate"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Config.Server.JWTSecret == "" {
					return fmt.Errorf("PROOFLINE_JWT_SECRET (or server.jwt_secret) is required for staff auth")
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
				}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Log.Info("serving proofline API",
						zap.String("addr", addr),
						zap.String("docs", path.Join(a.Config.Server.BasePath, "docs")))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					a.Log.Info("shutting down")
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

func workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued proof emails",
		Long:  "Runs the asynq worker that sends proof emails enqueued by the API when mail.queue.redis_addr is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				qcfg := a.Config.Mail.Queue
				if qcfg.RedisAddr == "" {
					return fmt.Errorf("mail.queue.redis_addr is required to run the worker")
				}
				queue := qcfg.Queue
				if queue == "" {
					queue = "default"
				}
				srv := asynq.NewServer(asynq.RedisClientOpt{Addr: qcfg.RedisAddr}, asynq.Config{
					Concurrency: concurrency,
					Queues:      map[string]int{queue: 1},
					Logger:      a.Log.Sugar(),
				})
				if err := srv.Start(a.Worker().Handler()); err != nil {
					return err
				}
				a.Log.Info("worker started", zap.String("queue", queue), zap.Int("concurrency", concurrency))
				<-ctx.Done()
				srv.Shutdown()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel deliveries")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"dialect": a.Dialect, "version": v})
				}
				fmt.Printf("schema version %d (%s)\n", v, a.Dialect)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage proofline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default proofline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", target)
			}
			if err := os.WriteFile(target, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", target)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Server.JWTSecret = mask(masked.Server.JWTSecret)
			masked.Storage.SecretKey = mask(masked.Storage.SecretKey)
			masked.Mail.APIKey = mask(masked.Mail.APIKey)
			return printJSONOrIndented(masked)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
