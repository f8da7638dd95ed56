package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// FetchConfig controls how pages are probed and downloaded from the
// photo-book rendering endpoint.
type FetchConfig struct {
	UserAgent    string
	TargetWidth  int
	ProbeTimeout time.Duration
	FetchTimeout time.Duration
	Delay        time.Duration
	JPEGQuality  int

	// Discovery
	Checkpoints []int
	Window      int
	Fallback    int
}

// SpreadConfig holds defaults for the spread pass.
type SpreadConfig struct {
	Start int
	DPI   int
}

// PathsConfig defines where per-page images and finished PDFs live.
type PathsConfig struct {
	ImagesDir string
	OutputDir string
}

// RunConfig tunes the in-process run registry.
type RunConfig struct {
	EventLimit int
	LockTTL    time.Duration
}

// RedisConfig is optional; an empty URL disables the status mirror.
type RedisConfig struct {
	URL string
}

// S3Config is optional; an empty bucket disables publishing.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Versioned       bool
}

// WebConfig holds HTTP listener and dashboard credentials.
type WebConfig struct {
	Port         string
	Username     string
	Password     string
	PasswordHash string
}

// Config is the top-level configuration.
type Config struct {
	Logging LoggingConfig
	Axiom   AxiomConfig
	Fetch   FetchConfig
	Spread  SpreadConfig
	Paths   PathsConfig
	Run     RunConfig
	Redis   RedisConfig
	S3      S3Config
	Web     WebConfig
}

// Load reads an optional .env file and then builds the configuration
// from the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return FromEnv(), nil
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	// Logging defaults
	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/bookfetch.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	// Axiom defaults
	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_bookfetch",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Fetch = FetchConfig{
		UserAgent:    getEnv("USER_AGENT", DefaultUserAgent),
		TargetWidth:  parseInt(getEnv("TARGET_WIDTH", "1080"), 1080),
		ProbeTimeout: parseDuration(getEnv("PROBE_TIMEOUT", "10s"), 10*time.Second),
		FetchTimeout: parseDuration(getEnv("FETCH_TIMEOUT", "30s"), 30*time.Second),
		Delay:        parseDuration(getEnv("FETCH_DELAY", "100ms"), 100*time.Millisecond),
		JPEGQuality:  parseInt(getEnv("JPEG_QUALITY", "95"), 95),
		Checkpoints:  parseIntList(getEnv("DISCOVERY_CHECKPOINTS", ""), []int{200, 150, 100, 50, 25, 10, 5, 1}),
		Window:       parseInt(getEnv("DISCOVERY_WINDOW", "50"), 50),
		Fallback:     parseInt(getEnv("DISCOVERY_FALLBACK", "50"), 50),
	}
	if cfg.Fetch.JPEGQuality < 1 || cfg.Fetch.JPEGQuality > 100 {
		cfg.Fetch.JPEGQuality = 95
	}

	cfg.Spread = SpreadConfig{
		Start: parseInt(getEnv("SPREAD_START", "2"), 2),
		DPI:   parseInt(getEnv("SPREAD_DPI", "300"), 300),
	}

	cfg.Paths = PathsConfig{
		ImagesDir: getEnv("IMAGES_DIR", "photobook_images"),
		OutputDir: getEnv("OUTPUT_DIR", "output"),
	}

	cfg.Run = RunConfig{
		EventLimit: parseInt(getEnv("RUN_EVENT_LIMIT", "500"), 500),
		LockTTL:    parseDuration(getEnv("RUN_LOCK_TTL", "2h"), 2*time.Hour),
	}

	cfg.Redis = RedisConfig{URL: getEnv("REDIS_URL", "")}

	cfg.S3 = S3Config{
		Bucket:          getEnv("AWS_S3_BUCKET", ""),
		Prefix:          getEnv("AWS_S3_PREFIX", "photobooks"),
		Region:          getEnv("AWS_REGION", ""),
		Endpoint:        getEnv("AWS_S3_ENDPOINT", ""),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		Versioned:       parseBool(getEnv("AWS_S3_VERSIONING", "false")),
	}

	cfg.Web = WebConfig{
		Port:         getEnv("PORT", "8080"),
		Username:     getEnv("WEB_USERNAME", ""),
		Password:     getEnv("WEB_PASSWORD", ""),
		PasswordHash: getEnv("WEB_PASSWORD_HASH", ""),
	}

	return cfg
}

// DefaultUserAgent is sent on every probe and fetch unless USER_AGENT is set.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" { return def }
	if n, err := strconv.Atoi(s); err == nil { return n }
	return def
}

// parseIntList parses "100,50,25"; any malformed entry discards the whole list.
func parseIntList(s string, def []int) []int {
	if strings.TrimSpace(s) == "" { return def }
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 { return def }
		out = append(out, n)
	}
	return out
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" { return def }
	if d, err := time.ParseDuration(s); err == nil { return d }
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" { return "true" }
	return "false"
}
