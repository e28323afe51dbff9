package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models proofline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
		// TrustedProxies are the peers whose X-Forwarded-For is honoured.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Storage struct {
		Driver     string        `yaml:"driver"`
		Dir        string        `yaml:"dir"`
		Endpoint   string        `yaml:"endpoint"`
		AccessKey  string        `yaml:"access_key"`
		SecretKey  string        `yaml:"secret_key"`
		Bucket     string        `yaml:"bucket"`
		Region     string        `yaml:"region"`
		UseSSL     bool          `yaml:"use_ssl"`
		PresignTTL time.Duration `yaml:"presign_ttl"`
	} `yaml:"storage"`
	Uploads struct {
		MaxBytes     int64    `yaml:"max_bytes"`
		AllowedTypes []string `yaml:"allowed_types"`
	} `yaml:"uploads"`
	Public struct {
		BaseURL string `yaml:"base_url"`
		Path    string `yaml:"path"`
	} `yaml:"public"`
	Approval struct {
		ConfirmationPhrase      string `yaml:"confirmation_phrase"`
		PostApprovalOrderStatus string `yaml:"post_approval_order_status"`
	} `yaml:"approval"`
	Mail struct {
		Driver   string `yaml:"driver"`
		From     string `yaml:"from"`
		FromName string `yaml:"from_name"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
		Queue    struct {
			RedisAddr string `yaml:"redis_addr"`
			Queue     string `yaml:"queue"`
			MaxRetry  int    `yaml:"max_retry"`
		} `yaml:"queue"`
	} `yaml:"mail"`
	RateLimit struct {
		RedisAddr string        `yaml:"redis_addr"`
		Limit     int           `yaml:"limit"`
		Window    time.Duration `yaml:"window"`
	} `yaml:"ratelimit"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Log struct {
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Permissions known to the staff console.
const (
	PermProofRead    = "proof.read"
	PermProofUpload  = "proof.upload"
	PermProofSend    = "proof.send"
	PermHistoryRead  = "history.read"
	PermNotifyResend = "notification.resend"
)

var knownPermissions = map[string]bool{
	PermProofRead:    true,
	PermProofUpload:  true,
	PermProofSend:    true,
	PermHistoryRead:  true,
	PermNotifyResend: true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, p := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			return fmt.Errorf("config.server.trusted_proxies: %q is not an IP or CIDR", p)
		}
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("config.database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Storage.Driver {
	case "dir":
		if c.Storage.Dir == "" {
			return fmt.Errorf("config.storage.dir is required for the dir driver")
		}
	case "minio":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.endpoint and bucket are required for minio")
		}
	default:
		return fmt.Errorf("config.storage.driver must be dir or minio, got %q", c.Storage.Driver)
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("config.uploads.max_bytes must be positive")
	}
	if len(c.Uploads.AllowedTypes) == 0 {
		return fmt.Errorf("config.uploads.allowed_types is required")
	}
	if c.Public.BaseURL == "" {
		return fmt.Errorf("config.public.base_url is required")
	}
	if !strings.HasPrefix(c.Public.Path, "/") {
		return fmt.Errorf("config.public.path must start with /")
	}
	if c.Approval.PostApprovalOrderStatus == "" {
		return fmt.Errorf("config.approval.post_approval_order_status is required")
	}
	switch c.Mail.Driver {
	case "log":
	case "sendgrid":
		if c.Mail.APIKey == "" {
			return fmt.Errorf("config.mail.api_key is required for sendgrid")
		}
	default:
		return fmt.Errorf("config.mail.driver must be log or sendgrid, got %q", c.Mail.Driver)
	}
	if c.Mail.From == "" {
		return fmt.Errorf("config.mail.from is required")
	}
	if c.RateLimit.RedisAddr != "" && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("config.ratelimit.limit and window must be positive when redis_addr is set")
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if !knownPermissions[perm] {
				return fmt.Errorf("role %s has unknown permission %q", roleID, perm)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "proofline.yml")
}

// Load reads the workspace config, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasPermission reports whether role grants perm.
func (c *Config) HasPermission(role, perm string) bool {
	r, ok := c.RBAC.Roles[role]
	if !ok {
		return false
	}
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  trusted_proxies: []

database:
  driver: sqlite
  path: .proofline/proofline.db

storage:
  driver: dir
  dir: .proofline/files
  bucket: proofs
  presign_ttl: 24h

uploads:
  max_bytes: 52428800
  allowed_types: [application/pdf, image/jpeg, image/png]

public:
  base_url: http://localhost:5173
  path: /epreuve

approval:
  confirmation_phrase: ""
  post_approval_order_status: "En production"

mail:
  driver: log
  from: epreuves@imprimerie.example
  from_name: "Imprimerie"
  endpoint: https://api.sendgrid.com/v3/mail/send
  queue:
    queue: mail
    max_retry: 5

ratelimit:
  limit: 60
  window: 1m

rbac:
  roles:
    staff:
      description: "Prepress staff"
      permissions: [proof.read, proof.upload, proof.send, history.read, notification.resend]
    viewer:
      description: "Read-only access"
      permissions: [proof.read, history.read]

log:
  env: production
  level: info
`
