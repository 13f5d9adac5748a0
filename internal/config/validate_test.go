package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		AMQPURL:             "amqp://mq:5672/",
		StageName:           "upload",
		PrevStage:           "test",
		JWTSecret:           "secret",
		CredentialsKeysFile: "/etc/stratopipe/keys",
		JanitorSchedule:     "@every 5m",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing amqp url", func(c *Config) { c.AMQPURL = "" }, "AMQP_URL"},
		{"missing stage name", func(c *Config) { c.StageName = "" }, "STAGE_NAME"},
		{"missing prev stage", func(c *Config) { c.PrevStage = "" }, "PREV_STAGE"},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"missing keys file", func(c *Config) { c.CredentialsKeysFile = "" }, "CREDENTIALS_KEYS_FILE"},
		{
			"no credentials skips secrets",
			func(c *Config) { c.NoCredentials = true; c.JWTSecret = ""; c.CredentialsKeysFile = "" },
			"",
		},
		{"bad shutdown timeout", func(c *Config) { c.HTTPShutdownTimeoutStr = "soon" }, "HTTP_SHUTDOWN_TIMEOUT"},
		{"negative max age", func(c *Config) { c.JanitorMaxAgeStr = "-5m" }, "JANITOR_MAX_AGE"},
		{
			"bad janitor schedule",
			func(c *Config) { c.JanitorEnabled = true; c.JanitorSchedule = "whenever" },
			"JANITOR_SCHEDULE",
		},
		{"bad breaker cooldown", func(c *Config) { c.CircuitBreakerCooldownStr = "later" }, "CIRCUIT_BREAKER_COOLDOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	cfg := Config{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("empty config validated")
	}
	msg := err.Error()
	if !strings.Contains(msg, "validation errors") {
		t.Errorf("multi-error message = %q", msg)
	}
}
