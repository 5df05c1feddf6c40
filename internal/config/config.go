package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/phuslu/log"

	"he_alerts/internal/models"
)

// Config is the full application configuration. Structure and defaults load
// from a TOML file; secrets overlay from the environment (or a .env file) so
// credentials never live in the config file.
type Config struct {
	Mode       string           `toml:"mode"` // commit, validate or test
	Source     SourceConfig     `toml:"source"`
	OCR        OCRConfig        `toml:"ocr"`
	Broker     BrokerConfig     `toml:"broker"`
	Mail       MailConfig       `toml:"mail"`
	Store      StoreConfig      `toml:"store"`
	Schedule   ScheduleConfig   `toml:"schedule"`
	Runtime    RuntimeConfig    `toml:"runtime"`
	Categories CategoriesConfig `toml:"categories"`
	Extract    ExtractConfig    `toml:"extract"`
	Alpaca     AlpacaConfig     `toml:"alpaca"`
	Log        LogConfig        `toml:"log"`
}

type SourceConfig struct {
	CredentialsPath string `toml:"credentials_path"`
	TokenPath       string `toml:"token_path"`
}

type OCRConfig struct {
	APIKey string `toml:"-"` // env only: GEMINI_API_KEY
	Model  string `toml:"model"`
}

type BrokerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	ClientID int    `toml:"client_id"`
}

type MailConfig struct {
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	User     string   `toml:"user"`
	Password string   `toml:"-"` // env only: SMTP_PASSWORD
	From     string   `toml:"from"`
	To       []string `toml:"to"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type ScheduleConfig struct {
	ExtractionTime string `toml:"extraction_time"` // "09:00"
	AMTime         string `toml:"am_time"`         // "10:45"
	PMTime         string `toml:"pm_time"`         // "14:30"
	Timezone       string `toml:"timezone"`
}

type RuntimeConfig struct {
	Parallelism        int `toml:"parallelism"`
	BrokerSpacingMS    int `toml:"broker_spacing_ms"`
	OCRDeadlineSecs    int `toml:"ocr_deadline_secs"`
	BrokerDeadlineSecs int `toml:"broker_deadline_secs"`
	SMTPDeadlineSecs   int `toml:"smtp_deadline_secs"`
	SourceDeadlineSecs int `toml:"source_deadline_secs"`
	JobDeadlineMins    int `toml:"job_deadline_mins"`
}

// Per-call deadlines.
func (r RuntimeConfig) OCRTimeout() time.Duration {
	return time.Duration(r.OCRDeadlineSecs) * time.Second
}

func (r RuntimeConfig) BrokerTimeout() time.Duration {
	return time.Duration(r.BrokerDeadlineSecs) * time.Second
}

func (r RuntimeConfig) SMTPTimeout() time.Duration {
	return time.Duration(r.SMTPDeadlineSecs) * time.Second
}

func (r RuntimeConfig) SourceTimeout() time.Duration {
	return time.Duration(r.SourceDeadlineSecs) * time.Second
}

func (r RuntimeConfig) JobTimeout() time.Duration {
	return time.Duration(r.JobDeadlineMins) * time.Minute
}

type CategoriesConfig struct {
	// Weekly categories run only on the first market day of the ISO week.
	Weekly []string `toml:"weekly"`
	// Daily categories run every market day.
	Daily []string `toml:"daily"`
}

type ExtractConfig struct {
	// LookbackHours is the search window for newsletter messages.
	LookbackHours int `toml:"lookback_hours"`
	// CryptoImageIndices are the positional indices of the crypto level
	// images inside the CRYPTO QUANT email's MIME tree. Publisher layout
	// constant; kept in config so a layout shift is a config change.
	CryptoImageIndices []int `toml:"crypto_image_indices"`
	// PureCryptoSymbols are tickers normalized to the -USD form.
	PureCryptoSymbols []string `toml:"pure_crypto_symbols"`
}

type AlpacaConfig struct {
	// Enabled switches on asset-metadata lookups during contract resolution.
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
}

type LogConfig struct {
	Filename   string `toml:"filename"`
	MaxSizeMB  int64  `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	Level      string `toml:"level"`
}

// requiredSecretVars are confidential environment variables that must be set
// before the workflow can run. Values are logged masked to the last 4 chars.
var requiredSecretVars = []string{
	"GEMINI_API_KEY",
	"SMTP_PASSWORD",
}

// Load reads the TOML config file, overlays environment variables (loading a
// .env file first if one exists) and validates. A validation failure wraps
// models.ErrConfig and is fatal to the caller.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Warn().Str("path", path).Msg("config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("%w: read %s: %v", models.ErrConfig, path, err)
		default:
			if err := toml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", models.ErrConfig, path, err)
			}
		}
	}

	// Load .env variables into the process environment.
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using system environment variables")
	}

	cfg.overlayEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logLoadedSecrets()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Mode: "commit",
		Source: SourceConfig{
			CredentialsPath: "credentials/gmail_credentials.json",
			TokenPath:       "credentials/gmail_token.json",
		},
		OCR: OCRConfig{Model: "gemini-2.5-flash"},
		Broker: BrokerConfig{
			Host:     "127.0.0.1",
			Port:     7497,
			ClientID: 1,
		},
		Mail:  MailConfig{Host: "smtp.gmail.com", Port: 587},
		Store: StoreConfig{Path: "he_alerts.db"},
		Schedule: ScheduleConfig{
			ExtractionTime: "09:00",
			AMTime:         "10:45",
			PMTime:         "14:30",
			Timezone:       "America/New_York",
		},
		Runtime: RuntimeConfig{
			Parallelism:        8,
			BrokerSpacingMS:    500,
			OCRDeadlineSecs:    30,
			BrokerDeadlineSecs: 5,
			SMTPDeadlineSecs:   20,
			SourceDeadlineSecs: 15,
			JobDeadlineMins:    20,
		},
		Categories: CategoriesConfig{
			Weekly: []string{"etfs", "ideas"},
			Daily:  []string{"daily", "digitalassets"},
		},
		Extract: ExtractConfig{
			LookbackHours:      72,
			CryptoImageIndices: []int{6, 14},
			PureCryptoSymbols: []string{
				"BTC", "ETH", "SOL", "AVAX", "AAVE",
				"XRP", "ADA", "LINK", "DOT", "UNI",
			},
		},
		Alpaca: AlpacaConfig{BaseURL: "https://paper-api.alpaca.markets"},
		Log: LogConfig{
			Filename:   "he_alerts.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Level:      "info",
		},
	}
}

// overlayEnv pulls secrets and deployment-specific overrides from the
// environment on top of the file values.
func (c *Config) overlayEnv() {
	c.OCR.APIKey = os.Getenv("GEMINI_API_KEY")
	c.Mail.Password = os.Getenv("SMTP_PASSWORD")

	if v := os.Getenv("BROKER_HOST"); v != "" {
		c.Broker.Host = v
	}
	if v := getEnvAsInt("BROKER_PORT", 0); v != 0 {
		c.Broker.Port = v
	}
	if v := getEnvAsInt("BROKER_CLIENT_ID", 0); v != 0 {
		c.Broker.ClientID = v
	}
	if v := os.Getenv("HE_ALERTS_MODE"); v != "" {
		c.Mode = v
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case "commit", "validate", "test":
	default:
		return fmt.Errorf("%w: mode must be commit, validate or test, got %q", models.ErrConfig, c.Mode)
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("%w: invalid timezone %q", models.ErrConfig, c.Schedule.Timezone)
	}
	for _, t := range []string{c.Schedule.ExtractionTime, c.Schedule.AMTime, c.Schedule.PMTime} {
		if _, _, err := ParseClock(t); err != nil {
			return fmt.Errorf("%w: invalid schedule time %q", models.ErrConfig, t)
		}
	}

	for _, name := range append(c.Categories.Weekly, c.Categories.Daily...) {
		if _, err := models.ParseCategory(name); err != nil {
			return fmt.Errorf("%w: %v", models.ErrConfig, err)
		}
	}

	if c.Runtime.Parallelism < 1 {
		return fmt.Errorf("%w: runtime.parallelism must be >= 1", models.ErrConfig)
	}
	if c.Runtime.BrokerSpacingMS < 0 {
		return fmt.Errorf("%w: runtime.broker_spacing_ms must be >= 0", models.ErrConfig)
	}

	// Secrets are only required outside test mode so unit tests and dry
	// runs work without credentials.
	if c.Mode != "test" {
		var missing []string
		for _, key := range requiredSecretVars {
			if os.Getenv(key) == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: missing required environment variables: %v", models.ErrConfig, missing)
		}
	}
	return nil
}

// WeeklyCategories returns the categories that refresh only on the first
// market day of the week, parsed and validated.
func (c *Config) WeeklyCategories() []models.Category {
	return parseCategories(c.Categories.Weekly)
}

// DailyCategories returns the categories that refresh every market day.
func (c *Config) DailyCategories() []models.Category {
	return parseCategories(c.Categories.Daily)
}

func parseCategories(names []string) []models.Category {
	out := make([]models.Category, 0, len(names))
	for _, n := range names {
		if c, err := models.ParseCategory(n); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// BrokerSpacing returns the gateway pacing interval.
func (c *Config) BrokerSpacing() time.Duration {
	return time.Duration(c.Runtime.BrokerSpacingMS) * time.Millisecond
}

// ParseClock splits an "HH:MM" string into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return hour, minute, nil
}

// logLoadedSecrets prints which .env variables are present, masking secret
// values to their last 4 characters.
func logLoadedSecrets() {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	secret := make(map[string]bool, len(requiredSecretVars))
	for _, k := range requiredSecretVars {
		secret[k] = true
	}
	for key, val := range envMap {
		if secret[key] || strings.Contains(key, "PASSWORD") || strings.Contains(key, "KEY") {
			masked := "***"
			if len(val) > 4 {
				masked = "***" + val[len(val)-4:]
			}
			log.Debug().Str(key, masked).Msg("env")
		} else {
			log.Debug().Str(key, val).Msg("env")
		}
	}
}

// getEnvAsInt reads an integer environment variable with a fallback.
func getEnvAsInt(key string, fallback int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	val, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Warn().Str("var", key).Str("value", valueStr).Msg("invalid integer in environment, using default")
		return fallback
	}
	return val
}
