package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/rendis/maildigest/internal/steps"
)

// Config holds all maildigest configuration.
// Priority: environment > .env > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	Store      string `json:"store"` // libsql or postgres
	DBPath     string `json:"db_path"`
	// DatabaseURL is the postgres DSN.
	DatabaseURL string `json:"database_url"`
	RedisURL    string `json:"redis_url"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	PoolSize    int    `json:"pool_size"`

	ThreadID  string `json:"thread_id"`
	TimeRange string `json:"time_range"`
	MaxItems  int    `json:"max_items"`

	AccountsFile   string `json:"accounts_file"`
	GmailTokenFile string `json:"gmail_token_file"`

	OpenAIAPIKey  string `json:"-"`
	OpenAIBaseURL string `json:"openai_base_url"`
	OpenAIModel   string `json:"openai_model"`

	SlackWebhookURL    string `json:"-"`
	SlackBotToken      string `json:"-"`
	SlackChannel       string `json:"slack_channel"`
	SlackSigningSecret string `json:"-"`

	GoogleClientID     string `json:"google_client_id"`
	GoogleClientSecret string `json:"-"`
	CalendarTokenFile  string `json:"calendar_token_file"`
	CalendarID         string `json:"calendar_id"`
	TimeZone           string `json:"timezone"`

	OTelEndpoint    string `json:"otel_endpoint"`
	OTelHeaders     string `json:"-"`
	OTelServiceName string `json:"otel_service_name"`

	RetryAttempts   int                    `json:"retry_attempts"`
	ImportanceRules []steps.ImportanceRule `json:"importance_rules"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":8000",
		Store:           "libsql",
		DBPath:          filepath.Join(appDir(), "maildigest.db"),
		LogLevel:        "info",
		LogFormat:       "text",
		PoolSize:        4,
		TimeRange:       "24h",
		MaxItems:        20,
		GmailTokenFile:  filepath.Join("credentials", "token.json"),
		OpenAIModel:     "gpt-4o-mini",
		CalendarID:      "primary",
		TimeZone:        "Asia/Taipei",
		OTelServiceName: "maildigest",
		RetryAttempts:   3,
	}
}

func appDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maildigest"
	}
	return filepath.Join(home, ".maildigest")
}

func settingsPath() string {
	return filepath.Join(appDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(appDir(), "maildigest.pid")
}

// configSources names the files layered over the defaults. Missing files are skipped.
type configSources struct {
	Settings string
	DotEnv   string
	Environ  func(string) (string, bool)
}

func defaultSources() configSources {
	return configSources{Settings: settingsPath(), DotEnv: ".env", Environ: os.LookupEnv}
}

func loadConfig(src configSources) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(src.Settings); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	dotenv := map[string]string{}
	if src.DotEnv != "" {
		m, err := godotenv.Read(src.DotEnv)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, fs.ErrNotExist):
			return cfg, err
		}
	}
	environ := src.Environ
	if environ == nil {
		environ = os.LookupEnv
	}
	lookup := func(key string) string {
		if v, ok := environ(key); ok && v != "" {
			return v
		}
		return dotenv[key]
	}

	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := lookup(k); v != "" {
				*dst = v
				return
			}
		}
	}
	num := func(dst *int, key string) {
		if n, err := strconv.Atoi(lookup(key)); err == nil {
			*dst = n
		}
	}

	str(&cfg.ListenAddr, "MAILDIGEST_LISTEN_ADDR")
	if lookup("MAILDIGEST_LISTEN_ADDR") == "" {
		if port := lookup("PORT"); port != "" {
			cfg.ListenAddr = ":" + port
		}
	}
	str(&cfg.Store, "MAILDIGEST_STORE")
	str(&cfg.DBPath, "MAILDIGEST_DB_PATH")
	str(&cfg.DatabaseURL, "DATABASE_URL")
	str(&cfg.RedisURL, "REDIS_URL")
	str(&cfg.LogLevel, "MAILDIGEST_LOG_LEVEL")
	str(&cfg.LogFormat, "MAILDIGEST_LOG_FORMAT")
	num(&cfg.PoolSize, "MAILDIGEST_POOL_SIZE")
	str(&cfg.ThreadID, "MAILDIGEST_THREAD_ID")
	str(&cfg.AccountsFile, "MAILDIGEST_ACCOUNTS")
	str(&cfg.GmailTokenFile, "GMAIL_TOKEN_FILE")
	str(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	str(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL")
	str(&cfg.OpenAIModel, "OPENAI_MODEL")
	str(&cfg.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	str(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	str(&cfg.SlackChannel, "SLACK_CHANNEL")
	str(&cfg.SlackSigningSecret, "SLACK_SIGNING_SECRET")
	str(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	str(&cfg.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	str(&cfg.CalendarTokenFile, "CALENDAR_TOKEN_FILE")
	str(&cfg.TimeZone, "CALENDAR_TIMEZONE")
	str(&cfg.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	str(&cfg.OTelHeaders, "OTEL_EXPORTER_OTLP_HEADERS")
	str(&cfg.OTelServiceName, "OTEL_SERVICE_NAME")

	if cfg.CalendarTokenFile == "" {
		cfg.CalendarTokenFile = cfg.GmailTokenFile
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	// RouterChanged means the HTTP handler must be rebuilt.
	RouterChanged bool
	RestartNeeded []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.SlackSigningSecret != new.SlackSigningSecret || old.ThreadID != new.ThreadID ||
		old.TimeRange != new.TimeRange || old.MaxItems != new.MaxItems {
		d.RouterChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"store", old.Store != new.Store},
		{"db_path", old.DBPath != new.DBPath},
		{"database_url", old.DatabaseURL != new.DatabaseURL},
		{"redis_url", old.RedisURL != new.RedisURL},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"log_format", old.LogFormat != new.LogFormat},
		{"collaborators", collaboratorsChanged(old, new)},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.name)
		}
	}
	return d
}

func collaboratorsChanged(old, new Config) bool {
	return old.AccountsFile != new.AccountsFile || old.GmailTokenFile != new.GmailTokenFile ||
		old.OpenAIAPIKey != new.OpenAIAPIKey || old.OpenAIBaseURL != new.OpenAIBaseURL || old.OpenAIModel != new.OpenAIModel ||
		old.SlackWebhookURL != new.SlackWebhookURL || old.SlackBotToken != new.SlackBotToken || old.SlackChannel != new.SlackChannel ||
		old.GoogleClientID != new.GoogleClientID || old.GoogleClientSecret != new.GoogleClientSecret ||
		old.CalendarTokenFile != new.CalendarTokenFile || old.CalendarID != new.CalendarID || old.TimeZone != new.TimeZone ||
		old.RetryAttempts != new.RetryAttempts || !slices.Equal(old.ImportanceRules, new.ImportanceRules)
}
