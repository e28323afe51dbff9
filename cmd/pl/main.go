package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"proofline/internal/app"
	"proofline/internal/config"
	"proofline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Proofline CLI",
	Long: `Proofline runs the proof approval workflow of a print shop.
- Order: a print job awaiting its proof; its status moves to production once a proof is approved.
- Proof: one uploaded version of the artwork. Versions are numbered 1, 2, 3... per order and never change once uploaded.
- Status: En préparation -> Envoyée au client -> Approuvée | Modification demandée. A decided proof never changes again.
- Link: each proof has a private token; the client opens <public.base_url>/epreuve/<token> to approve or ask for changes.
- History: every upload, send and client decision is recorded per order.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROOFLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory (holds proofline.yml)")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/proofline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "staff actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(proofCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

// envOverrides maps PROOFLINE_* variables onto config fields. Secrets are
// usually supplied this way rather than written to proofline.yml.
var envOverrides = map[string]func(*config.Config, string){
	"jwt-secret":           func(c *config.Config, v string) { c.Server.JWTSecret = v },
	"addr":                 func(c *config.Config, v string) { c.Server.Addr = v },
	"database-driver":      func(c *config.Config, v string) { c.Database.Driver = v },
	"database-dsn":         func(c *config.Config, v string) { c.Database.DSN = v },
	"database-path":        func(c *config.Config, v string) { c.Database.Path = v },
	"storage-access-key":   func(c *config.Config, v string) { c.Storage.AccessKey = v },
	"storage-secret-key":   func(c *config.Config, v string) { c.Storage.SecretKey = v },
	"public-base-url":      func(c *config.Config, v string) { c.Public.BaseURL = v },
	"mail-api-key":         func(c *config.Config, v string) { c.Mail.APIKey = v },
	"mail-redis-addr":      func(c *config.Config, v string) { c.Mail.Queue.RedisAddr = v },
	"ratelimit-redis-addr": func(c *config.Config, v string) { c.RateLimit.RedisAddr = v },
}

// loadConfig reads the workspace config, applies env overrides and resolves
// relative paths against the workspace.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, err
	}
	for key, apply := range envOverrides {
		if v := viper.GetString(key); v != "" {
			apply(cfg, v)
		}
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if cfg.Database.Driver == "sqlite" && !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(workspace, cfg.Database.Path)
	}
	if cfg.Storage.Driver == "dir" && !filepath.IsAbs(cfg.Storage.Dir) {
		cfg.Storage.Dir = filepath.Join(workspace, cfg.Storage.Dir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Env, cfg.Log.Level)
}

// withApp opens the configured app for the duration of fn.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrIndented(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
