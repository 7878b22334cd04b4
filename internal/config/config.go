// Package config loads sensord/ingest settings.
//
// Precedence, highest first: command-line flags (applied by cmd), process
// environment (optionally seeded from a .env file), an optional JSON or YAML
// file, then Defaults.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sensoretl/internal/storage"
)

// Config is the full runtime configuration.
type Config struct {
	Addr           string         `json:"addr" yaml:"addr"`
	UploadDir      string         `json:"upload_dir" yaml:"upload_dir"`
	AllowReset     bool           `json:"allow_reset" yaml:"allow_reset"`
	MaxUploadBytes int64          `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	Storage        storage.Config `json:"storage" yaml:"storage"`
	Metrics        Metrics        `json:"metrics" yaml:"metrics"`
	Batch          Batch          `json:"batch" yaml:"batch"`
}

type Metrics struct {
	Backend    string   `json:"backend" yaml:"backend"` // none | datadog | prom
	Tags       []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	FlushEvery Duration `json:"flush_every" yaml:"flush_every"`
}

type Batch struct {
	Workers int `json:"workers" yaml:"workers"`
}

// Duration accepts "30s"-style strings in JSON and YAML.
type Duration struct{ time.Duration }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	d.Duration = v
	return nil
}

// Defaults returns a configuration that runs locally against SQLite.
func Defaults() Config {
	return Config{
		Addr:           ":8000",
		UploadDir:      "./uploads",
		MaxUploadBytes: 2 << 30,
		Storage:        storage.Config{Kind: "sqlite", DSN: "file:sensor.db"},
		Metrics:        Metrics{Backend: "none", FlushEvery: Duration{60 * time.Second}},
		Batch:          Batch{Workers: 1},
	}
}

// Load builds a Config from Defaults, the file at path (skipped when path
// is empty) and the environment. dotenv names .env files to load first;
// missing .env files are ignored and existing variables are never overridden.
func Load(path string, dotenv ...string) (Config, error) {
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Defaults()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Storage.DSN = os.ExpandEnv(cfg.Storage.DSN)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension (want .json, .yaml or .yml)", path)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("LISTEN_ADDR", &cfg.Addr)
	str("UPLOAD_DIR", &cfg.UploadDir)
	str("STORAGE_KIND", &cfg.Storage.Kind)
	str("METRICS_BACKEND", &cfg.Metrics.Backend)

	if v, ok := lookup("ALLOW_ADMIN_RESET"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("ALLOW_ADMIN_RESET: %w", err)
		}
		cfg.AllowReset = b
	}
	if v, ok := lookup("MAX_UPLOAD_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.MaxUploadBytes = n
	}
	if v, ok := lookup("BATCH_WORKERS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("BATCH_WORKERS: %w", err)
		}
		cfg.Batch.Workers = n
	}
	if v, ok := lookup("METRICS_TAGS"); ok && strings.TrimSpace(v) != "" {
		cfg.Metrics.Tags = splitCSV(v)
	}

	if v, ok := lookup("DSN"); ok && strings.TrimSpace(v) != "" {
		cfg.Storage.DSN = strings.TrimSpace(v)
	} else if dsn, ok := postgresDSNFromEnv(lookup); ok {
		cfg.Storage.DSN = dsn
		if _, set := lookup("STORAGE_KIND"); !set {
			cfg.Storage.Kind = "postgres"
		}
	}
	return nil
}

// postgresDSNFromEnv composes a URL DSN from DB_HOST, DB_PORT, DB_NAME,
// DB_USER, DB_PASSWORD and DB_SSLMODE. It needs at least DB_HOST and DB_NAME.
func postgresDSNFromEnv(lookup lookupFunc) (string, bool) {
	get := func(k, def string) string {
		if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	host, name := get("DB_HOST", ""), get("DB_NAME", "")
	if host == "" || name == "" {
		return "", false
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + get("DB_PORT", "5432"),
		Path:   "/" + name,
	}
	if user := get("DB_USER", ""); user != "" {
		if pw := get("DB_PASSWORD", ""); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	q := url.Values{}
	q.Set("sslmode", get("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String(), true
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
