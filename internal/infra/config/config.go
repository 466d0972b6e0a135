package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"isa-warehouse/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Logger   LoggerConfig  `yaml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer"`
	Store    StoreConfig   `yaml:"store"`
	Audit    AuditConfig   `yaml:"audit"`
	Auth     AuthConfig    `yaml:"auth"`
	Models   []ModelConfig `yaml:"models"`
	Policy   []RuleConfig  `yaml:"policy"`
	Includes []string      `yaml:"includes,omitempty"`
}

// ServerConfig holds HTTP gateway settings.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	EventsEnabled   bool            `yaml:"events_enabled"` // WebSocket record event feed
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`   // sqlite database file
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	MaxAge          time.Duration `yaml:"max_age"`          // 0 = keep forever
	MaxSize         string        `yaml:"max_size"`         // e.g. "100MB"; empty = no limit
	CleanupSchedule string        `yaml:"cleanup_schedule"` // cron expression, default "@daily"
}

// AuthConfig holds the static bearer-token table.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig maps one bearer token to a user and the roles it holds.
type TokenConfig struct {
	Token string   `yaml:"token"`
	User  string   `yaml:"user"`
	Roles []string `yaml:"roles"`
}

// ModelConfig declares one model and its field table.
type ModelConfig struct {
	Name   string                 `yaml:"name"`
	Fields map[string]FieldConfig `yaml:"fields"`
}

// FieldConfig declares one field.
type FieldConfig struct {
	Type     string `yaml:"type"` // string, integer, number, boolean
	Nullable bool   `yaml:"nullable,omitempty"`
}

// RuleConfig grants one role actions on sets of resources.
type RuleConfig struct {
	Roles            string        `yaml:"roles"`
	AllowedResources []GrantConfig `yaml:"allowed_resources"`
}

// GrantConfig is one entry of a rule's allowed resources.
type GrantConfig struct {
	Resources []string `yaml:"resources"`
	Actions   []string `yaml:"actions"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	Service   string `yaml:"service,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"` // 0 or 1 = sample everything
}

// Rules converts the policy section to domain rules.
func (c *Config) Rules() []domain.Rule {
	rules := make([]domain.Rule, 0, len(c.Policy))
	for _, rc := range c.Policy {
		rule := domain.Rule{Role: rc.Roles}
		for _, g := range rc.AllowedResources {
			actions := make([]domain.Action, len(g.Actions))
			for i, a := range g.Actions {
				actions[i] = domain.Action(a)
			}
			rule.Grants = append(rule.Grants, domain.ResourceGrant{
				Resources: append([]string(nil), g.Resources...),
				Actions:   actions,
			})
		}
		rules = append(rules, rule)
	}
	return rules
}

// ModelSchemas converts the models section to domain field tables.
func (c *Config) ModelSchemas() []domain.ModelSchema {
	out := make([]domain.ModelSchema, 0, len(c.Models))
	for _, mc := range c.Models {
		fields := make(map[string]domain.FieldConstraint, len(mc.Fields))
		for name, fc := range mc.Fields {
			fields[name] = domain.FieldConstraint{Kind: domain.FieldKind(fc.Type), Nullable: fc.Nullable}
		}
		out = append(out, domain.ModelSchema{Name: mc.Name, Fields: fields})
	}
	return out
}

// defaultDataDir returns the persistent data directory under $HOME/.isa-warehouse.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".isa-warehouse")
}

// isaModels is the default ISA model table.
var isaModels = []ModelConfig{
	{Name: "investigation", Fields: map[string]FieldConfig{
		"identifier":          {Type: "string"},
		"title":               {Type: "string"},
		"description":         {Type: "string", Nullable: true},
		"submission_date":     {Type: "string", Nullable: true},
		"public_release_date": {Type: "string", Nullable: true},
		"is_public":           {Type: "boolean", Nullable: true},
	}},
	{Name: "study", Fields: map[string]FieldConfig{
		"identifier":       {Type: "string"},
		"title":            {Type: "string"},
		"description":      {Type: "string", Nullable: true},
		"investigation_id": {Type: "string", Nullable: true},
		"submission_date":  {Type: "string", Nullable: true},
	}},
	{Name: "assay", Fields: map[string]FieldConfig{
		"measurement_type":    {Type: "string"},
		"technology_type":     {Type: "string"},
		"technology_platform": {Type: "string", Nullable: true},
		"study_id":            {Type: "string", Nullable: true},
	}},
	{Name: "sample", Fields: map[string]FieldConfig{
		"name":          {Type: "string"},
		"organism":      {Type: "string", Nullable: true},
		"replicate":     {Type: "integer", Nullable: true},
		"concentration": {Type: "number", Nullable: true},
		"source_id":     {Type: "string", Nullable: true},
		"study_id":      {Type: "string", Nullable: true},
		"assay_id":      {Type: "string", Nullable: true},
	}},
	{Name: "source", Fields: map[string]FieldConfig{
		"name":     {Type: "string"},
		"organism": {Type: "string", Nullable: true},
		"study_id": {Type: "string", Nullable: true},
	}},
	{Name: "protocol", Fields: map[string]FieldConfig{
		"name":          {Type: "string"},
		"protocol_type": {Type: "string", Nullable: true},
		"description":   {Type: "string", Nullable: true},
		"version":       {Type: "string", Nullable: true},
		"study_id":      {Type: "string", Nullable: true},
	}},
	{Name: "person", Fields: map[string]FieldConfig{
		"first_name":      {Type: "string"},
		"last_name":       {Type: "string"},
		"email":           {Type: "string", Nullable: true},
		"organization_id": {Type: "string", Nullable: true},
	}},
	{Name: "organization", Fields: map[string]FieldConfig{
		"name":    {Type: "string"},
		"address": {Type: "string", Nullable: true},
	}},
	{Name: "publication", Fields: map[string]FieldConfig{
		"title":     {Type: "string"},
		"doi":       {Type: "string", Nullable: true},
		"pubmed_id": {Type: "string", Nullable: true},
		"year":      {Type: "integer", Nullable: true},
		"status":    {Type: "string", Nullable: true},
	}},
}

// DefaultPolicy returns the sample administrator/editor/reader rule table.
func DefaultPolicy() []RuleConfig {
	models := make([]string, len(isaModels))
	for i, m := range isaModels {
		models[i] = m.Name
	}
	return []RuleConfig{
		{Roles: "administrator", AllowedResources: []GrantConfig{
			{Resources: []string{"role", "user", "role_to_user"}, Actions: []string{"*"}},
		}},
		{Roles: "editor", AllowedResources: []GrantConfig{
			{Resources: models, Actions: []string{"create", "update", "delete", "search"}},
		}},
		{Roles: "reader", AllowedResources: []GrantConfig{
			{Resources: append([]string(nil), models...), Actions: []string{"read"}},
		}},
	}
}

// DefaultModels returns a copy of the ISA model table.
func DefaultModels() []ModelConfig {
	out := make([]ModelConfig, len(isaModels))
	for i, m := range isaModels {
		fields := make(map[string]FieldConfig, len(m.Fields))
		for k, v := range m.Fields {
			fields[k] = v
		}
		out[i] = ModelConfig{Name: m.Name, Fields: fields}
	}
	return out
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EventsEnabled:   true,
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 600,
				Burst:          60,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dataDir, "warehouse.db"),
		},
		Audit: AuditConfig{
			Enabled:         true,
			Path:            filepath.Join(dataDir, "audit.jsonl"),
			MaxAge:          90 * 24 * time.Hour,
			CleanupSchedule: "@daily",
		},
		Models: DefaultModels(),
		Policy: DefaultPolicy(),
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("WAREHOUSE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps WAREHOUSE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WAREHOUSE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("WAREHOUSE_SERVER_EVENTS_ENABLED"); v != "" {
		cfg.Server.EventsEnabled = v == "true"
	}
	if v := os.Getenv("WAREHOUSE_RATE_LIMIT_ENABLED"); v != "" {
		cfg.Server.RateLimit.Enabled = v == "true"
	}
	if v := os.Getenv("WAREHOUSE_RATE_LIMIT_REQUESTS_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv("WAREHOUSE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("WAREHOUSE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("WAREHOUSE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("WAREHOUSE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("WAREHOUSE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("WAREHOUSE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("WAREHOUSE_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("WAREHOUSE_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("WAREHOUSE_AUDIT_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Audit.MaxAge = d
		}
	}

	// WAREHOUSE_AUTH_TOKEN_<USER> fills the token of a configured user.
	for i := range cfg.Auth.Tokens {
		tc := &cfg.Auth.Tokens[i]
		if tc.Token != "" {
			continue
		}
		key := "WAREHOUSE_AUTH_TOKEN_" + envName(tc.User)
		if v := os.Getenv(key); v != "" {
			tc.Token = v
		}
	}
}

// envName upper-cases s and replaces characters invalid in env var names.
func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Auth.Tokens {
		tok := cfg.Auth.Tokens[i].Token
		if !strings.HasPrefix(tok, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("auth token %s: %w", cfg.Auth.Tokens[i].User, err)
		}
		cfg.Auth.Tokens[i].Token = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "decode salt: "+err.Error())
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "decode ciphertext: "+err.Error())
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
// Auth tokens live in this file, so group/world write is refused.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
