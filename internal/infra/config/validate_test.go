package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateServer(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr must not be empty"},
		{"bad addr", func(c *Config) { c.Server.Addr = "localhost" }, "not a valid host:port"},
		{"read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }, "server.read_timeout"},
		{"write timeout", func(c *Config) { c.Server.WriteTimeout = -1 }, "server.write_timeout"},
		{"shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "server.shutdown_timeout"},
		{"rate", func(c *Config) { c.Server.RateLimit.RequestsPerMin = 0 }, "requests_per_min"},
		{"burst", func(c *Config) { c.Server.RateLimit.Burst = 0 }, "burst"},
		{"proxy", func(c *Config) { c.Server.RateLimit.TrustedProxies = []string{"not-an-ip"} }, "trusted_proxies[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateRateLimitDisabledSkipsLimits(t *testing.T) {
	cfg := Defaults()
	cfg.Server.RateLimit.Enabled = false
	cfg.Server.RateLimit.RequestsPerMin = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled rate limit should not be validated: %v", err)
	}
}

func TestValidateTrustedProxiesCIDR(t *testing.T) {
	cfg := Defaults()
	cfg.Server.RateLimit.TrustedProxies = []string{"10.0.0.0/8", "127.0.0.1"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("CIDR and IP should be accepted: %v", err)
	}
}

func TestValidateLoggerFormat(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Format = "xml"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "logger.format")
}

func TestValidateTracer(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Exporter = "jaeger"
	cfg.Tracer.SampleRatio = 1.5
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "tracer.exporter")
	assertContains(t, err.Error(), "tracer.sample_ratio")
}

func TestValidateStore(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Path = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "store.path is required")

	cfg.Store.Driver = "memory"
	if err := Validate(cfg); err != nil {
		t.Fatalf("memory driver needs no path: %v", err)
	}
}

func TestValidateAuditMissingPath(t *testing.T) {
	cfg := Defaults()
	cfg.Audit.Path = ""
	cfg.Audit.CleanupSchedule = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "audit.path is required")
	assertContains(t, err.Error(), "audit.cleanup_schedule")
}

func TestValidateAuditDisabledSkipped(t *testing.T) {
	cfg := Defaults()
	cfg.Audit.Enabled = false
	cfg.Audit.Path = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled audit should not be validated: %v", err)
	}
}

func TestValidateAuthTokens(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.Tokens = []TokenConfig{
		{User: "", Token: "a", Roles: []string{"reader"}},
		{User: "bob", Token: "", Roles: []string{"reader"}},
		{User: "carol", Token: "dup", Roles: []string{"reader"}},
		{User: "dave", Token: "dup", Roles: []string{"reader"}},
		{User: "erin", Token: "e"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	assertContains(t, msg, "auth.tokens[0].user must not be empty")
	assertContains(t, msg, "WAREHOUSE_AUTH_TOKEN_BOB")
	assertContains(t, msg, "auth.tokens[3] (dave): duplicate token")
	assertContains(t, msg, "auth.tokens[4] (erin): roles must not be empty")
}

func TestValidateEmptyTables(t *testing.T) {
	cfg := Defaults()
	cfg.Models = nil
	cfg.Policy = nil
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "models must have at least one entry")
	assertContains(t, err.Error(), "policy must have at least one rule")
}

func TestValidateMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Addr = ""
	cfg.Logger.Format = "xml"
	cfg.Store.Driver = "postgres"
	cfg.Tracer.Exporter = "zipkin"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) < 4 {
		t.Errorf("expected at least 4 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("first error")
	ve.Add("second %s", "error")

	msg := ve.Error()
	if !strings.HasPrefix(msg, "config validation failed:") {
		t.Errorf("unexpected prefix: %s", msg)
	}
	if !strings.Contains(msg, "first error") || !strings.Contains(msg, "second error") {
		t.Errorf("missing error details: %s", msg)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
