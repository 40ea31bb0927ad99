package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("doctor-console")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if got := cfg.QueueConfig().PollInterval; got != 15*time.Second {
		t.Errorf("poll interval = %v, want 15s", got)
	}
	if got := cfg.ConsultationConfig().AutosaveDelay; got != 3000*time.Millisecond {
		t.Errorf("autosave delay = %v, want 3s", got)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
[server]
port = "9090"

[server.api_keys]
key-one = "dr-1"

[clinic]
timezone = "Asia/Kolkata"

[queue]
poll_interval_seconds = 30

[consultation]
autosave_delay_ms = 1500

[logging]
level = "DEBUG"
format = "console"
`)
	cfg, err := Parse("doctor-console", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Server.APIKeys["key-one"] != "dr-1" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want normalized debug", cfg.Logging.Level)
	}
	if got := cfg.QueueConfig().PollInterval; got != 30*time.Second {
		t.Errorf("poll interval = %v", got)
	}
	if got := cfg.ConsultationConfig().AutosaveDelay; got != 1500*time.Millisecond {
		t.Errorf("autosave delay = %v", got)
	}
	// untouched sections keep defaults
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker threshold = %d", cfg.Breaker.FailureThreshold)
	}

	repo, err := cfg.RepositoryConfig()
	if err != nil {
		t.Fatalf("RepositoryConfig: %v", err)
	}
	if repo.Location.String() != "Asia/Kolkata" {
		t.Errorf("location = %v", repo.Location)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default("doctor-console")
	err := cfg.applyEnv(envMap(map[string]string{
		"PORT":                        "7000",
		"DATABASE_URL":                "postgres://example/opd",
		"KAFKA_BROKERS":               "b1:9092, b2:9092,",
		"LOG_LEVEL":                   "warn",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
		"API_KEYS":                    "k1=dr-1, k2=dr-2",
		"AUTOSAVE_DELAY_MS":           "2500",
	}))
	if err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.Server.Port != "7000" || cfg.Database.URL != "postgres://example/opd" {
		t.Errorf("server/database = %+v %+v", cfg.Server, cfg.Database)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Server.APIKeys["k2"] != "dr-2" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.Tracing.OTLPEndpoint != "collector:4317" {
		t.Errorf("otlp = %q", cfg.Tracing.OTLPEndpoint)
	}
	if cfg.Consultation.AutosaveDelayMS != 2500 {
		t.Errorf("autosave = %d", cfg.Consultation.AutosaveDelayMS)
	}
	if got := cfg.ProducerConfig().Brokers; len(got) != 2 {
		t.Errorf("producer brokers = %v", got)
	}
}

func TestApplyEnvRejectsMalformedKeys(t *testing.T) {
	cfg := Default("doctor-console")
	err := cfg.applyEnv(envMap(map[string]string{"API_KEYS": "just-a-key"}))
	if err == nil || !strings.Contains(err.Error(), "API_KEYS") {
		t.Errorf("err = %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = "http" }, "server.port"},
		{"database", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"brokers", func(c *Config) { c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"timezone", func(c *Config) { c.Clinic.Timezone = "Mars/Olympus" }, "clinic.timezone"},
		{"autosave", func(c *Config) { c.Consultation.AutosaveDelayMS = 0 }, "autosave_delay_ms"},
		{"ratio", func(c *Config) { c.Breaker.FailureRatio = 1.5 }, "failure_ratio"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"sample", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("doctor-console")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("queue-relay", filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tracing.ServiceName != "queue-relay" {
		t.Errorf("service name = %q", cfg.Tracing.ServiceName)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opd.toml")
	if err := os.WriteFile(path, []byte("[queue]\npoll_every = 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load("doctor-console", path); err == nil {
		t.Error("expected unknown field error")
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default("doctor-console")
	logger, err := cfg.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if !logger.Core().Enabled(0) {
		t.Error("info should be enabled at the default level")
	}
}
