package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// costClasses are the classes that can be priced from the environment.
var costClasses = []string{"chat-completion", "embedding", "image-generation"}

type Config struct {
	// Server
	Port     string // default: 8080
	LogLevel string // default: info

	// Storage
	StoreDriver    string // "postgres" or "memory"
	PostgresDSN    string
	MigrateOnStart bool
	RunSeed        bool
	SeedBYOKKey    string // OpenAI key the seeded BYOK account brings

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Events
	KafkaBrokers    []string
	KafkaFaultTopic string
	KafkaUsageTopic string

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	Metering Metering
}

// Price overrides the estimate of one cost class.
type Price struct {
	NominalUnits int64
	UnitPrice    decimal.Decimal
}

type Metering struct {
	Enabled       bool
	CreditsPerUSD decimal.Decimal
	FallbackClass string
	// Prices only holds overrides, keyed by cost class.
	Prices map[string]Price
	// Tracked maps path prefixes to cost classes. Nil keeps the built-in
	// table.
	Tracked              map[string]string
	Excluded             []string
	ZeroAllocationPolicy string // "pool" or "reject"
	UpgradeURL           string
	// AdmitTimeout bounds the credential and precheck lookups; past it the
	// request is admitted without a precheck.
	AdmitTimeout time.Duration
	// SettleBudget is how long a non-streamed response waits for its charge
	// before reconciliation moves to the worker pool.
	SettleBudget       time.Duration
	ReconcileTimeout   time.Duration
	ReconcileWorkers   int
	ReconcileQueueSize int
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		StoreDriver:          getEnv("STORE_DRIVER", StoreDriverPostgres),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		SeedBYOKKey:          os.Getenv("SEED_BYOK_OPENAI_KEY"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaFaultTopic:      getEnv("KAFKA_FAULT_TOPIC", "billing.faults"),
		KafkaUsageTopic:      getEnv("KAFKA_USAGE_TOPIC", "billing.usage"),
	}

	var err error
	if cfg.MigrateOnStart, err = getBool("MIGRATE_ON_START", false); err != nil {
		return nil, err
	}
	if cfg.RunSeed, err = getBool("RUN_SEED", false); err != nil {
		return nil, err
	}

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if err := loadMetering(&cfg.Metering); err != nil {
		return nil, err
	}

	// Validation
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func loadMetering(m *Metering) error {
	var err error
	if m.Enabled, err = getBool("CREDITS_ENABLED", true); err != nil {
		return err
	}
	if m.CreditsPerUSD, err = decimal.NewFromString(getEnv("CREDITS_PER_USD", "100")); err != nil {
		return fmt.Errorf("invalid CREDITS_PER_USD: %w", err)
	}
	m.FallbackClass = getEnv("ESTIMATE_FALLBACK_CLASS", "chat-completion")
	m.ZeroAllocationPolicy = getEnv("ORG_ZERO_ALLOCATION_POLICY", "pool")
	m.UpgradeURL = os.Getenv("UPGRADE_URL")

	if m.AdmitTimeout, err = time.ParseDuration(getEnv("ADMIT_TIMEOUT", "1s")); err != nil {
		return fmt.Errorf("invalid ADMIT_TIMEOUT: %w", err)
	}
	if m.SettleBudget, err = time.ParseDuration(getEnv("SETTLE_BUDGET", "1s")); err != nil {
		return fmt.Errorf("invalid SETTLE_BUDGET: %w", err)
	}
	if m.ReconcileTimeout, err = time.ParseDuration(getEnv("RECONCILE_TIMEOUT", "10s")); err != nil {
		return fmt.Errorf("invalid RECONCILE_TIMEOUT: %w", err)
	}
	if m.ReconcileWorkers, err = getInt("RECONCILE_WORKERS", 4); err != nil {
		return err
	}
	if m.ReconcileQueueSize, err = getInt("RECONCILE_QUEUE_SIZE", 1024); err != nil {
		return err
	}

	m.Prices = make(map[string]Price)
	for _, class := range costClasses {
		p, ok, err := priceFromEnv(class)
		if err != nil {
			return err
		}
		if ok {
			m.Prices[class] = p
		}
	}

	if raw := os.Getenv("TRACKED_ENDPOINTS"); raw != "" {
		m.Tracked = make(map[string]string)
		for _, pair := range splitList(raw) {
			path, class, ok := strings.Cut(pair, "=")
			if !ok || path == "" || class == "" {
				return fmt.Errorf("invalid TRACKED_ENDPOINTS entry %q (want path=class)", pair)
			}
			m.Tracked[path] = class
		}
	}
	m.Excluded = splitList(os.Getenv("EXCLUDED_ENDPOINTS"))

	if path := os.Getenv("METERING_FILE"); path != "" {
		if err := loadMeteringFile(path, m); err != nil {
			return err
		}
	}

	if m.ZeroAllocationPolicy != "pool" && m.ZeroAllocationPolicy != "reject" {
		return fmt.Errorf("invalid ORG_ZERO_ALLOCATION_POLICY %q", m.ZeroAllocationPolicy)
	}
	if !m.CreditsPerUSD.IsPositive() {
		return fmt.Errorf("CREDITS_PER_USD must be positive")
	}
	return nil
}

func priceFromEnv(class string) (Price, bool, error) {
	prefix := "ESTIMATE_" + strings.ToUpper(strings.ReplaceAll(class, "-", "_"))
	unitsStr, hasUnits := os.LookupEnv(prefix + "_UNITS")
	priceStr, hasPrice := os.LookupEnv(prefix + "_UNIT_PRICE")
	if !hasUnits && !hasPrice {
		return Price{}, false, nil
	}
	if !hasUnits || !hasPrice {
		return Price{}, false, fmt.Errorf("%s_UNITS and %s_UNIT_PRICE must be set together", prefix, prefix)
	}
	return parsePrice(prefix, unitsStr, priceStr)
}

func parsePrice(name, unitsStr, priceStr string) (Price, bool, error) {
	units, err := strconv.ParseInt(unitsStr, 10, 64)
	if err != nil || units <= 0 {
		return Price{}, false, fmt.Errorf("invalid %s units %q", name, unitsStr)
	}
	unitPrice, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Price{}, false, fmt.Errorf("invalid %s unit price: %w", name, err)
	}
	if unitPrice.IsNegative() {
		return Price{}, false, fmt.Errorf("invalid %s unit price %q", name, priceStr)
	}
	return Price{NominalUnits: units, UnitPrice: unitPrice}, true, nil
}

type meteringFile struct {
	CreditsPerUSD string            `yaml:"credits_per_usd"`
	FallbackClass string            `yaml:"fallback_class"`
	Tracked       map[string]string `yaml:"tracked_endpoints"`
	Excluded      []string          `yaml:"excluded_endpoints"`
	Prices        map[string]struct {
		NominalUnits int64  `yaml:"nominal_units"`
		UnitPrice    string `yaml:"unit_price"`
	} `yaml:"prices"`
}

// loadMeteringFile applies a YAML metering file on top of the environment.
func loadMeteringFile(path string, m *Metering) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read METERING_FILE: %w", err)
	}

	var f meteringFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse METERING_FILE: %w", err)
	}

	if f.CreditsPerUSD != "" {
		if m.CreditsPerUSD, err = decimal.NewFromString(f.CreditsPerUSD); err != nil {
			return fmt.Errorf("invalid credits_per_usd: %w", err)
		}
	}
	if f.FallbackClass != "" {
		m.FallbackClass = f.FallbackClass
	}
	if len(f.Tracked) > 0 {
		m.Tracked = f.Tracked
	}
	if len(f.Excluded) > 0 {
		m.Excluded = f.Excluded
	}
	for class, p := range f.Prices {
		price, _, err := parsePrice(class, strconv.FormatInt(p.NominalUnits, 10), p.UnitPrice)
		if err != nil {
			return err
		}
		m.Prices[class] = price
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, value)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
