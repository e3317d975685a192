package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "ADVISORY_SCANNER_CONFIG"

	logLevelEnv          = "LOG_LEVEL"
	databaseDriverEnv    = "DATABASE_DRIVER"
	databaseDSNEnv       = "DATABASE_DSN"
	aiEndpointEnv        = "AI_ENDPOINT"
	aiAPIKeyEnv          = "AI_API_KEY"
	aiModelEnv           = "AI_MODEL"
	aiAPIVersionEnv      = "AI_API_VERSION"
	nvdAPIKeyEnv         = "NVD_API_KEY"
	nvdDelayEnv          = "NVD_REQUEST_DELAY"
	nvdMaxRequestsEnv    = "NVD_MAX_REQUESTS"
	redisAddrEnv         = "REDIS_ADDR"
	archiveDriverEnv     = "ARCHIVE_DRIVER"
	archiveBucketEnv     = "ARCHIVE_BUCKET"
	kafkaBrokersEnv      = "KAFKA_BROKERS"
	telegramTokenEnv     = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv    = "TELEGRAM_CHAT_ID"
	backfillEnabledEnv   = "BACKFILL_ENABLED"
	backfillIntervalEnv  = "BACKFILL_INTERVAL"
	backfillLimitEnv     = "BACKFILL_BATCH_LIMIT"
	backfillBudgetEnv    = "BACKFILL_TIME_BUDGET_SECONDS"
	featureFlagEnvPrefix = "FEATURE_"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Fetch         FetchConfig        `yaml:"fetch"`
	Sources       []SourceConfig     `yaml:"sources"`
	NVD           NVDConfig          `yaml:"nvd"`
	EPSS          EPSSConfig         `yaml:"epss"`
	Cache         CacheConfig        `yaml:"cache"`
	AI            AIConfig           `yaml:"ai"`
	Enrichment    EnrichmentConfig   `yaml:"enrichment"`
	Backfill      BackfillConfig     `yaml:"backfill"`
	Detail        DetailConfig       `yaml:"detail"`
	Archive       ArchiveConfig      `yaml:"archive"`
	Kafka         KafkaConfig        `yaml:"kafka"`
	Notifications NotificationConfig `yaml:"notifications"`
	API           APIConfig          `yaml:"api"`
	Features      map[string]bool    `yaml:"features"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes the durable alert store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SchedulerConfig defines when the recurring cycles run.
type SchedulerConfig struct {
	FetchInterval  time.Duration  `yaml:"fetchInterval"`
	EnrichInterval time.Duration  `yaml:"enrichInterval"`
	Timezone       string         `yaml:"timezone"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// FetchConfig tunes the fetch orchestrator.
type FetchConfig struct {
	DefaultInterval    time.Duration `yaml:"defaultInterval"`
	MaxConsecutiveErrs int           `yaml:"maxConsecutiveErrors"`
	CVSSBackfill       CVSSBackfill  `yaml:"cvssBackfill"`
}

// CVSSBackfill tunes the secondary CVSS pass that closes a fetch cycle.
type CVSSBackfill struct {
	Enabled        bool          `yaml:"enabled"`
	Lookback       time.Duration `yaml:"lookback"`
	MaxRequests    int           `yaml:"maxRequests"`
	CandidateLimit int           `yaml:"candidateLimit"`
	SourcePriority []string      `yaml:"sourcePriority"`
}

// SourceConfig describes one external feed and the adapter that reads it.
type SourceConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Category    string            `yaml:"category"`
	Adapter     string            `yaml:"adapter"`
	URL         string            `yaml:"url"`
	TrustTier   int               `yaml:"trustTier"`
	Language    string            `yaml:"language"`
	Interval    time.Duration     `yaml:"interval"`
	MaxAgeDays  int               `yaml:"maxAgeDays"`
	Disabled    bool              `yaml:"disabled"`
	FeatureFlag string            `yaml:"featureFlag"`
	Options     map[string]string `yaml:"options"`
}

// NVDConfig controls CVSS lookups against the NVD CVE API.
type NVDConfig struct {
	BaseURL          string        `yaml:"baseUrl"`
	APIKey           string        `yaml:"apiKey"`
	DelayWithKey     time.Duration `yaml:"delayWithKey"`
	DelayWithoutKey  time.Duration `yaml:"delayWithoutKey"`
	RateLimitBackoff time.Duration `yaml:"rateLimitBackoff"`
	MaxCVEsPerAlert  int           `yaml:"maxCvesPerAlert"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
}

// RequestDelay returns the inter-request delay for the configured mode.
func (n NVDConfig) RequestDelay() time.Duration {
	if n.APIKey != "" {
		return n.DelayWithKey
	}
	return n.DelayWithoutKey
}

// EPSSConfig controls exploitation-probability lookups.
type EPSSConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	BatchSize      int           `yaml:"batchSize"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// CacheConfig selects the lookup cache backend.
type CacheConfig struct {
	Driver string        `yaml:"driver"`
	Size   int           `yaml:"size"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
	Prefix string        `yaml:"prefix"`
}

// RedisConfig wires the shared cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AIConfig defines how to contact the generative model.
type AIConfig struct {
	Endpoint            string        `yaml:"endpoint"`
	APIKey              string        `yaml:"apiKey"`
	Model               string        `yaml:"model"`
	APIVersion          string        `yaml:"apiVersion"`
	SystemPrompt        string        `yaml:"systemPrompt"`
	RequestTimeout      time.Duration `yaml:"requestTimeout"`
	MaxTokens           int           `yaml:"maxTokens"`
	PromptCostPer1K     float64       `yaml:"promptCostPer1k"`
	CompletionCostPer1K float64       `yaml:"completionCostPer1k"`
}

// EnrichmentConfig tunes the AI enrichment orchestrator.
type EnrichmentConfig struct {
	Version       int           `yaml:"version"`
	MaxAlerts     int           `yaml:"maxAlerts"`
	MaxRetries    int           `yaml:"maxRetries"`
	CallPause     time.Duration `yaml:"callPause"`
	ParseBackoff  time.Duration `yaml:"parseBackoff"`
	ErrorBackoff  time.Duration `yaml:"errorBackoff"`
	BatchSize     int           `yaml:"batchSize"`
	BatchPause    time.Duration `yaml:"batchPause"`
	SafetyBuffer  time.Duration `yaml:"safetyBuffer"`
	TargetLang    string        `yaml:"targetLanguage"`
	MaxPromptText int           `yaml:"maxPromptText"`
}

// BackfillConfig drives the time-budgeted re-enrichment job.
type BackfillConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	BatchLimit int           `yaml:"batchLimit"`
	TimeBudget time.Duration `yaml:"timeBudget"`
}

// DetailConfig controls extended advisory detail fetches.
type DetailConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BaseURL        string        `yaml:"baseUrl"`
	Politeness     time.Duration `yaml:"politeness"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// ArchiveConfig selects where raw payloads and run snapshots go.
type ArchiveConfig struct {
	Driver   string `yaml:"driver"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// KafkaConfig wires the enriched-alert publisher.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// NotificationConfig encapsulates outbound operator channels.
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// APIConfig exposes on-demand triggers and metrics in serve mode.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// FeatureEnabled reports whether the named flag is on. An empty name is always on.
func (c Config) FeatureEnabled(name string) bool {
	if name == "" {
		return true
	}
	return c.Features[strings.ToLower(name)]
}

// Load reads YAML configuration (if present) over defaults, applies environment
// overrides and validates the result.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(environ(os.Environ())); err != nil {
		return Config{}, err
	}
	cfg.bindTimezone()
	cfg.normalizeFeatures()

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML onto cfg, keeping defaults for omitted keys.
func Parse(raw []byte, cfg *Config) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return errors.New("config file is empty")
	}
	sources := cfg.Sources
	cfg.Sources = nil
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return err
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = sources
	}
	return nil
}

func environ(kvs []string) map[string]string {
	env := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}
	return env
}

func (c *Config) applyEnvOverrides(env map[string]string) error {
	getenv := func(key string) string { return env[key] }
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString(logLevelEnv, &c.Logging.Level)
	setString(databaseDriverEnv, &c.Database.Driver)
	setString(databaseDSNEnv, &c.Database.DSN)
	setString(aiEndpointEnv, &c.AI.Endpoint)
	setString(aiAPIKeyEnv, &c.AI.APIKey)
	setString(aiModelEnv, &c.AI.Model)
	setString(aiAPIVersionEnv, &c.AI.APIVersion)
	setString(nvdAPIKeyEnv, &c.NVD.APIKey)
	setString(archiveDriverEnv, &c.Archive.Driver)
	setString(archiveBucketEnv, &c.Archive.Bucket)
	setString(telegramTokenEnv, &c.Notifications.Telegram.BotToken)
	setString(telegramChatIDEnv, &c.Notifications.Telegram.ChatID)

	if v := getenv(redisAddrEnv); v != "" {
		c.Cache.Driver = "redis"
		c.Cache.Redis.Addr = v
	}
	if v := getenv(kafkaBrokersEnv); v != "" {
		c.Kafka.Enabled = true
		c.Kafka.Brokers = strings.Split(v, ",")
	}

	if v := getenv(nvdDelayEnv); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", nvdDelayEnv, err)
		}
		if c.NVD.APIKey != "" {
			c.NVD.DelayWithKey = d
		} else {
			c.NVD.DelayWithoutKey = d
		}
	}
	if v := getenv(nvdMaxRequestsEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", nvdMaxRequestsEnv, err)
		}
		c.Fetch.CVSSBackfill.MaxRequests = n
	}

	if v := getenv(backfillEnabledEnv); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", backfillEnabledEnv, err)
		}
		c.Backfill.Enabled = b
	}
	if v := getenv(backfillIntervalEnv); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", backfillIntervalEnv, err)
		}
		c.Backfill.Interval = d
	}
	if v := getenv(backfillLimitEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", backfillLimitEnv, err)
		}
		c.Backfill.BatchLimit = n
	}
	if v := getenv(backfillBudgetEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", backfillBudgetEnv, err)
		}
		c.Backfill.TimeBudget = time.Duration(n) * time.Second
	}

	for key, value := range env {
		if !strings.HasPrefix(key, featureFlagEnvPrefix) {
			continue
		}
		on, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		if c.Features == nil {
			c.Features = map[string]bool{}
		}
		c.Features[strings.ToLower(strings.TrimPrefix(key, featureFlagEnvPrefix))] = on
	}
	return nil
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func (c *Config) normalizeFeatures() {
	if len(c.Features) == 0 {
		return
	}
	out := make(map[string]bool, len(c.Features))
	for k, v := range c.Features {
		out[strings.ToLower(k)] = v
	}
	c.Features = out
}

// Validate reports configuration that would make a run fail in confusing ways.
func Validate(cfg Config) error {
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres", "pgx", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	seen := map[string]struct{}{}
	for _, src := range cfg.Sources {
		if src.ID == "" || src.Adapter == "" {
			return fmt.Errorf("source %q: id and adapter are required", src.Name)
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("source %q declared twice", src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	if cfg.Enrichment.Version <= 0 {
		return errors.New("enrichment.version must be > 0")
	}
	if cfg.Enrichment.MaxRetries < 0 {
		return errors.New("enrichment.maxRetries must be >= 0")
	}
	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return errors.New("kafka requires brokers and topic when enabled")
	}
	switch cfg.Archive.Driver {
	case "", "none", "file":
	case "s3", "gcs":
		if cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for driver %s", cfg.Archive.Driver)
		}
	default:
		return fmt.Errorf("archive.driver %q is not supported", cfg.Archive.Driver)
	}
	if cfg.Cache.Driver == "redis" && cfg.Cache.Redis.Addr == "" {
		return errors.New("cache.redis.addr is required for the redis cache driver")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "file:advisories.db?_pragma=busy_timeout(5000)"},
		Scheduler: SchedulerConfig{
			FetchInterval:  30 * time.Minute,
			EnrichInterval: 15 * time.Minute,
			Timezone:       defaultTimezone,
			location:       tz,
		},
		Fetch: FetchConfig{
			DefaultInterval:    time.Hour,
			MaxConsecutiveErrs: 5,
			CVSSBackfill: CVSSBackfill{
				Enabled:        true,
				Lookback:       7 * 24 * time.Hour,
				MaxRequests:    40,
				CandidateLimit: 200,
				SourcePriority: []string{"cisa-kev", "cisa-ics", "vendor", "news"},
			},
		},
		Sources: []SourceConfig{
			{
				ID:         "cisa-kev",
				Name:       "CISA Known Exploited Vulnerabilities",
				Category:   "kev",
				Adapter:    "kev",
				URL:        "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json",
				TrustTier:  1,
				Language:   "en",
				Interval:   6 * time.Hour,
				MaxAgeDays: 14,
			},
		},
		NVD: NVDConfig{
			BaseURL:          "https://services.nvd.nist.gov/rest/json/cves/2.0",
			DelayWithKey:     600 * time.Millisecond,
			DelayWithoutKey:  6 * time.Second,
			RateLimitBackoff: 30 * time.Second,
			MaxCVEsPerAlert:  20,
			RequestTimeout:   20 * time.Second,
		},
		EPSS: EPSSConfig{
			BaseURL:        "https://api.first.org/data/v1/epss",
			BatchSize:      100,
			RequestTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{Driver: "memory", Size: 4096, TTL: 6 * time.Hour, Prefix: "advisoryscanner:"},
		AI: AIConfig{
			Endpoint:            "https://api.openai.com/v1/chat/completions",
			Model:               "gpt-4o-mini",
			RequestTimeout:      60 * time.Second,
			MaxTokens:           1500,
			PromptCostPer1K:     0.00015,
			CompletionCostPer1K: 0.0006,
		},
		Enrichment: EnrichmentConfig{
			Version:       3,
			MaxAlerts:     25,
			MaxRetries:    2,
			CallPause:     2 * time.Second,
			ParseBackoff:  2 * time.Second,
			ErrorBackoff:  5 * time.Second,
			BatchSize:     10,
			BatchPause:    20 * time.Second,
			SafetyBuffer:  30 * time.Second,
			TargetLang:    "de",
			MaxPromptText: 6000,
		},
		Backfill: BackfillConfig{Enabled: false, Interval: 6 * time.Hour, BatchLimit: 100, TimeBudget: 9 * time.Minute},
		Detail: DetailConfig{
			Enabled:        true,
			BaseURL:        "https://www.cisa.gov/news-events/ics-advisories/",
			Politeness:     time.Second,
			RequestTimeout: 20 * time.Second,
		},
		Archive: ArchiveConfig{Driver: "file", Dir: "archive"},
		Kafka:   KafkaConfig{Topic: "advisories.enriched"},
		API:     APIConfig{Enabled: true, Addr: ":8080"},
	}
}
