package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
//
// Policy and model semantics (known resources, action tokens, field kinds)
// are checked when the resolver and validators are built.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateStore(cfg, ve)
	validateAudit(cfg, ve)
	validateAuth(cfg, ve)
	if len(cfg.Models) == 0 {
		ve.Add("models must have at least one entry")
	}
	if len(cfg.Policy) == 0 {
		ve.Add("policy must have at least one rule")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", s.Addr)
	}
	if s.ReadTimeout <= 0 {
		ve.Add("server.read_timeout must be > 0")
	}
	if s.WriteTimeout <= 0 {
		ve.Add("server.write_timeout must be > 0")
	}
	if s.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.RequestsPerMin <= 0 {
			ve.Add("server.rate_limit.requests_per_min must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	for i, p := range s.RateLimit.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				ve.Add("server.rate_limit.trusted_proxies[%d] %q is not an IP or CIDR", i, p)
			}
		}
	}
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

var validExporters = map[string]bool{
	"":       true,
	"noop":   true,
	"stdout": true,
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required when driver is sqlite")
		}
	default:
		ve.Add("store.driver %q is invalid (want: sqlite, memory)", cfg.Store.Driver)
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if !cfg.Audit.Enabled {
		return
	}
	if cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if cfg.Audit.CleanupSchedule == "" {
		ve.Add("audit.cleanup_schedule must not be empty when audit is enabled")
	}
}

func validateAuth(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, tc := range cfg.Auth.Tokens {
		if tc.User == "" {
			ve.Add("auth.tokens[%d].user must not be empty", i)
			continue
		}
		if tc.Token == "" {
			ve.Add("auth.tokens[%d] (%s): token is empty (set via WAREHOUSE_AUTH_TOKEN_%s)", i, tc.User, envName(tc.User))
		} else if seen[tc.Token] {
			ve.Add("auth.tokens[%d] (%s): duplicate token", i, tc.User)
		}
		seen[tc.Token] = true
		if len(tc.Roles) == 0 {
			ve.Add("auth.tokens[%d] (%s): roles must not be empty", i, tc.User)
		}
	}
}
