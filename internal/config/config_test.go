package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("JWT_FALLBACK_SECRET", "fallback")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9090")
	}
	if cfg.SessionTTLMinutes != 30 {
		t.Errorf("SessionTTLMinutes = %d, want 30", cfg.SessionTTLMinutes)
	}
	if cfg.RateLimitIPPerWindow != 20 || cfg.RateLimitUAPerWindow != 40 {
		t.Errorf("rate limits = %d/%d, want 20/40", cfg.RateLimitIPPerWindow, cfg.RateLimitUAPerWindow)
	}
	if cfg.RateWindow() != time.Minute {
		t.Errorf("RateWindow = %v, want 1m", cfg.RateWindow())
	}
	if cfg.SessionEventsTopic != "fidc-session-events" {
		t.Errorf("SessionEventsTopic = %q", cfg.SessionEventsTopic)
	}
	if cfg.ExternalRetryAttempts != 3 {
		t.Errorf("ExternalRetryAttempts = %d, want 3", cfg.ExternalRetryAttempts)
	}
	if cfg.AllowLocalhost {
		t.Error("AllowLocalhost should default to false")
	}
	if got := cfg.CORSOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", got)
	}
	if cfg.KafkaBrokersList() != nil {
		t.Errorf("KafkaBrokersList = %v, want nil", cfg.KafkaBrokersList())
	}
	if cfg.AdminJWTSecret != "" {
		t.Errorf("AdminJWTSecret = %q, want empty (operator routes disabled)", cfg.AdminJWTSecret)
	}
	if cfg.OTelSampleRatio != 1 {
		t.Errorf("OTelSampleRatio = %v, want 1", cfg.OTelSampleRatio)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("JWT_FALLBACK_SECRET", "fallback")
	os.Setenv("HTTP_ADDR", ":7070")
	os.Setenv("SESSION_TTL_MINUTES", "45")
	os.Setenv("RATE_LIMIT_IP_PER_WINDOW", "2")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":7070")
	}
	if cfg.SessionTTL() != 45*time.Minute {
		t.Errorf("SessionTTL = %v, want 45m", cfg.SessionTTL())
	}
	if cfg.RateLimitIPPerWindow != 2 {
		t.Errorf("RateLimitIPPerWindow = %d, want 2", cfg.RateLimitIPPerWindow)
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) != 2 || brokers[0] != "k1:9092" || brokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokersList = %v", brokers)
	}
}

func TestLoad_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			"fallback secret required",
			map[string]string{},
			"config: JWT_FALLBACK_SECRET must be set",
		},
		{
			"non-positive ttl",
			map[string]string{"JWT_FALLBACK_SECRET": "x", "SESSION_TTL_MINUTES": "0"},
			"config: SESSION_TTL_MINUTES must be positive",
		},
		{
			"aws region without secret name",
			map[string]string{"JWT_FALLBACK_SECRET": "x", "AWS_REGION": "sa-east-1"},
			"config: AWS_JWT_SECRET_NAME must be set when AWS_REGION is set",
		},
		{
			"localhost in production",
			map[string]string{"JWT_FALLBACK_SECRET": "x", "ALLOW_LOCALHOST": "true", "APP_ENV": "production"},
			"config: ALLOW_LOCALHOST must not be true when APP_ENV=production",
		},
		{
			"admin secret reuses the fallback signing key",
			map[string]string{"JWT_FALLBACK_SECRET": "x", "ADMIN_JWT_SECRET": "x"},
			"config: ADMIN_JWT_SECRET must differ from JWT_FALLBACK_SECRET",
		},
		{
			"sampler ratio out of range",
			map[string]string{"JWT_FALLBACK_SECRET": "x", "OTEL_TRACES_SAMPLER_RATIO": "1.5"},
			"config: OTEL_TRACES_SAMPLER_RATIO must be between 0 and 1",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tc.env {
				os.Setenv(k, v)
			}
			cfg, err := Load()
			if err == nil {
				t.Fatal("Load should return error")
			}
			if cfg != nil {
				t.Error("Load should return nil config on error")
			}
			if err.Error() != tc.wantErr {
				t.Errorf("error = %q, want %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestDurationAccessors_Fallbacks(t *testing.T) {
	cfg := &Config{
		RedisTimeout:           "invalid",
		DBTimeout:              "-1s",
		SessionCleanupInterval: "0",
		SigningKeyCacheTTL:     "",
		ExternalConnectTimeout: "750ms",
		ExternalReadTimeout:    "3s",
		ExternalRetryInitial:   "nope",
		ExternalRetryMax:       "2s",
	}
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"RedisTimeoutDuration", cfg.RedisTimeoutDuration(), 2 * time.Second},
		{"DBTimeoutDuration", cfg.DBTimeoutDuration(), 5 * time.Second},
		{"CleanupInterval", cfg.CleanupInterval(), 5 * time.Minute},
		{"SigningKeyTTL", cfg.SigningKeyTTL(), 5 * time.Minute},
		{"ConnectTimeout", cfg.ConnectTimeout(), 750 * time.Millisecond},
		{"ReadTimeout", cfg.ReadTimeout(), 3 * time.Second},
		{"RetryInitial", cfg.RetryInitial(), 100 * time.Millisecond},
		{"RetryMax", cfg.RetryMax(), 2 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}
