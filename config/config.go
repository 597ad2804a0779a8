package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mivaa-probe/mivaa"
)

const (
	TransportDirect  = "direct"
	TransportGateway = "gateway"

	DefaultMivaaURL = "https://v1api.materialshub.gr"
	DefaultBucket   = "pdf-documents"
)

type Config struct {
	MivaaURL   string
	MivaaToken string

	SupabaseURL string
	ServiceKey  string
	AnonKey     string

	GeminiAPIKey string
	DatabaseURL  string

	Transport       string
	GatewayFunction string
	StorageBucket   string
	HTTPTimeout     time.Duration

	Poll      mivaa.Policy
	Endpoints mivaa.Endpoints
	// FieldOverrides are prepended to the default response paths.
	FieldOverrides map[string][]string
	Options        mivaa.ProcessingOptions

	Log LogConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// Profile is the optional per-deployment YAML file.
type Profile struct {
	MivaaURL  string          `yaml:"mivaa_url"`
	Transport string          `yaml:"transport"`
	Endpoints mivaa.Endpoints `yaml:"endpoints"`
	Gateway   struct {
		Function string `yaml:"function"`
	} `yaml:"gateway"`
	Storage struct {
		Bucket string `yaml:"bucket"`
	} `yaml:"storage"`
	Poll struct {
		Interval      string `yaml:"interval"`
		MaxAttempts   int    `yaml:"max_attempts"`
		NotFoundGrace *int   `yaml:"not_found_grace"`
	} `yaml:"poll"`
	Fields  map[string][]string     `yaml:"fields"`
	Options mivaa.ProcessingOptions `yaml:"options"`
}

// Load reads envFile (a missing file is fine), the process environment and
// then the optional profile, which wins over both.
func Load(envFile, profilePath string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		MivaaURL:        getenv("MIVAA_API_URL", DefaultMivaaURL),
		MivaaToken:      os.Getenv("MIVAA_API_TOKEN"),
		SupabaseURL:     firstEnv("SUPABASE_URL", "NEXT_PUBLIC_SUPABASE_URL"),
		ServiceKey:      os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		AnonKey:         firstEnv("SUPABASE_ANON_KEY", "NEXT_PUBLIC_SUPABASE_ANON_KEY"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Transport:       getenv("MIVAA_TRANSPORT", TransportDirect),
		GatewayFunction: getenv("MIVAA_GATEWAY_FUNCTION", "mivaa-gateway"),
		StorageBucket:   getenv("SUPABASE_STORAGE_BUCKET", DefaultBucket),
		Poll:            mivaa.DefaultPolicy(),
		Endpoints:       mivaa.DefaultEndpoints(),
		Log: LogConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "text"),
		},
	}

	var err error
	if cfg.HTTPTimeout, err = durationEnv("MIVAA_HTTP_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.Poll.Interval, err = durationEnv("MIVAA_POLL_INTERVAL", cfg.Poll.Interval); err != nil {
		return nil, err
	}
	if cfg.Poll.MaxAttempts, err = intEnv("MIVAA_MAX_ATTEMPTS", cfg.Poll.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Poll.NotFoundGrace, err = intEnv("MIVAA_NOT_FOUND_GRACE", cfg.Poll.NotFoundGrace); err != nil {
		return nil, err
	}

	if profilePath != "" {
		if err := cfg.applyProfile(profilePath); err != nil {
			return nil, err
		}
	}
	cfg.Endpoints = cfg.Endpoints.WithDefaults()
	return cfg, nil
}

func (c *Config) applyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("failed to parse profile %s: %w", path, err)
	}

	if p.MivaaURL != "" {
		c.MivaaURL = p.MivaaURL
	}
	if p.Transport != "" {
		c.Transport = p.Transport
	}
	if p.Gateway.Function != "" {
		c.GatewayFunction = p.Gateway.Function
	}
	if p.Storage.Bucket != "" {
		c.StorageBucket = p.Storage.Bucket
	}
	c.Endpoints = p.Endpoints.WithDefaults()

	if p.Poll.Interval != "" {
		d, err := time.ParseDuration(p.Poll.Interval)
		if err != nil {
			return fmt.Errorf("profile poll.interval: %w", err)
		}
		c.Poll.Interval = d
	}
	if p.Poll.MaxAttempts != 0 {
		c.Poll.MaxAttempts = p.Poll.MaxAttempts
	}
	if p.Poll.NotFoundGrace != nil {
		c.Poll.NotFoundGrace = *p.Poll.NotFoundGrace
	}

	// validated here so a typo fails at startup, not mid-run
	if _, err := mivaa.DefaultFieldMap().Merge(p.Fields); err != nil {
		return fmt.Errorf("profile fields: %w", err)
	}
	c.FieldOverrides = p.Fields
	c.Options = p.Options
	return nil
}

// FieldMap returns the default response paths with the profile overrides
// in front.
func (c *Config) FieldMap() (mivaa.FieldMap, error) {
	return mivaa.DefaultFieldMap().Merge(c.FieldOverrides)
}

// Validate checks the settings needed to reach MIVAA with the selected
// transport.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportDirect:
		if c.MivaaURL == "" {
			return errors.New("MIVAA_API_URL is required for the direct transport")
		}
	case TransportGateway:
		if err := c.ValidateSupabase(); err != nil {
			return fmt.Errorf("gateway transport: %w", err)
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportDirect, TransportGateway)
	}
	return c.Poll.Validate()
}

func (c *Config) ValidateSupabase() error {
	if c.SupabaseURL == "" || c.ServiceKey == "" {
		return errors.New("missing supabase credentials (SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY)")
	}
	return nil
}

func (c *Config) ValidateDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	return nil
}

func (c *Config) ValidateGemini() error {
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return errors.New("GEMINI_API_KEY is not set")
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	// plain numbers are seconds, the way the old scripts passed them
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: want a duration like 5s", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
