package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type tzTestStruct struct {
	Zone string `validate:"tzname"`
}

func TestValidateTimezone(t *testing.T) {
	tests := []struct {
		zone  string
		valid bool
	}{
		{"", true},
		{"UTC", true},
		{"America/New_York", true},
		{"Nowhere/Special", false},
	}

	for _, tt := range tests {
		t.Run(tt.zone, func(t *testing.T) {
			err := validate.Struct(tzTestStruct{Zone: tt.zone})
			if tt.valid && err != nil {
				t.Errorf("expected valid, got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("expected %q to be rejected", tt.zone)
			}
		})
	}
}

func TestValidateWithDetails_FieldMessages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "trace"
	cfg.Reflection.Timezone = "Nowhere/Special"

	err := ValidateWithDetails(cfg)
	var details ValidationErrors
	if !errors.As(err, &details) {
		t.Fatalf("expected ValidationErrors, got %T (%v)", err, err)
	}
	if len(details) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(details), details)
	}

	msg := details.Error()
	if !strings.Contains(msg, "must be one of [debug info warn error]") {
		t.Errorf("missing oneof message: %s", msg)
	}
	if !strings.Contains(msg, "valid IANA time zone") {
		t.Errorf("missing timezone message: %s", msg)
	}
}

func TestValidateWithDetails_CrossField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "openai without key",
			mutate: func(c *Config) { c.Embedding.Provider = "openai" },
			field:  "Config.Embedding.APIKey",
		},
		{
			name:   "anthropic without key",
			mutate: func(c *Config) { c.Reasoning.Provider = "anthropic" },
			field:  "Config.Reasoning.APIKey",
		},
		{
			name: "redis state without address",
			mutate: func(c *Config) {
				c.Storage.StateBackend = "redis"
				c.Storage.Redis.Address = ""
			},
			field: "Config.Storage.Redis.Address",
		},
		{
			name: "hash embeddings in production",
			mutate: func(c *Config) {
				c.App.Environment = "production"
			},
			field: "Config.Embedding.Provider",
		},
		{
			name:   "digest timeout above reasoning timeout",
			mutate: func(c *Config) { c.Digest.Timeout = 2 * time.Minute },
			field:  "Config.Digest.Timeout",
		},
		{
			name:   "badger state on memory storage",
			mutate: func(c *Config) { c.Storage.Type = "memory" },
			field:  "Config.Storage.StateBackend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			var details ValidationErrors
			if err := ValidateWithDetails(cfg); !errors.As(err, &details) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if details[0].Field != tt.field {
				t.Errorf("field = %s, want %s", details[0].Field, tt.field)
			}
		})
	}
}

func TestValidationErrors_Empty(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "no validation errors" {
		t.Errorf("unexpected message: %s", got)
	}
}
