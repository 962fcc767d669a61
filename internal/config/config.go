package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultFetchTimeout = 60 * time.Second

	DefaultLmutil       = "lmutil"
	DefaultRlmutil      = "rlmutil"
	DefaultLmxendutil   = "lmxendutil"
	DefaultDslicsrv     = "dslicsrv"
	DefaultLicman20Appl = "licman20_appl"
	DefaultCurl         = "curl"
)

// BackendType identifies one of the supported license-management ecosystems.
type BackendType string

const (
	TypeDSLS     BackendType = "dsls"
	TypeFlexLM   BackendType = "flexlm"
	TypeHASP     BackendType = "hasp"
	TypeLicman20 BackendType = "licman20"
	TypeLMX      BackendType = "lmx"
	TypeOLicense BackendType = "olicense"
	TypeRLM      BackendType = "rlm"
)

// Config is the top-level configuration. The per-ecosystem lists map 1:1 to
// config.example.yaml; Source.Type is filled in during Load from the section
// a source appears in.
type Config struct {
	Global   GlobalConfig `yaml:"global"`
	DSLS     []Source     `yaml:"dsls"`
	FlexLM   []Source     `yaml:"flexlm"`
	HASP     []Source     `yaml:"hasp"`
	Licman20 []Source     `yaml:"licman20"`
	LMX      []Source     `yaml:"lmx"`
	OLicense []Source     `yaml:"olicense"`
	RLM      []Source     `yaml:"rlm"`
}

// GlobalConfig holds process-wide settings: query-tool locations and the
// fetch scheduling knobs.
type GlobalConfig struct {
	// Tool paths. Empty values fall back to the conventional executable
	// name, resolved via PATH.
	Lmutil       string `yaml:"lmutil"`
	Rlmutil      string `yaml:"rlmutil"`
	Lmxendutil   string `yaml:"lmxendutil"`
	Dslicsrv     string `yaml:"dslicsrv"`
	Licman20Appl string `yaml:"licman20_appl"`
	Curl         string `yaml:"curl"`

	// PollInterval is the freshness window per source: a cached snapshot
	// younger than this is served without contacting the license server.
	PollInterval time.Duration `yaml:"poll_interval"`

	// FetchTimeout bounds one external query-tool invocation.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxQueriesPerSecond spaces out query-tool spawns across all sources.
	// Zero means unlimited.
	MaxQueriesPerSecond float64 `yaml:"max_queries_per_second"`
}

// Tool returns the configured query-tool path for a backend type, falling
// back to the conventional executable name.
func (g GlobalConfig) Tool(t BackendType) string {
	var path, def string
	switch t {
	case TypeFlexLM:
		path, def = g.Lmutil, DefaultLmutil
	case TypeRLM:
		path, def = g.Rlmutil, DefaultRlmutil
	case TypeLMX:
		path, def = g.Lmxendutil, DefaultLmxendutil
	case TypeDSLS:
		path, def = g.Dslicsrv, DefaultDslicsrv
	case TypeLicman20:
		path, def = g.Licman20Appl, DefaultLicman20Appl
	case TypeHASP, TypeOLicense:
		path, def = g.Curl, DefaultCurl
	}
	if path != "" {
		return path
	}
	return def
}

// Source describes one monitored license server (or local license setup).
// Immutable after Load.
type Source struct {
	// Name is a unique identifier across all ecosystem lists. It becomes
	// the "app" label on every exported metric.
	Name string `yaml:"name"`

	// License is the ecosystem's target string: a port@host address, a
	// license-file path, or a colon-separated list of redundant servers.
	// Licman20 queries the local license database and has no target.
	License string `yaml:"license"`

	// ISV selects the vendor daemon on a multi-tenant RLM server.
	// Required for rlm sources.
	ISV string `yaml:"isv"`

	// HaspKey is the sentinel key id to query. Required for hasp sources.
	HaspKey string `yaml:"hasp_key"`

	// Authentication holds optional basic-auth credentials (hasp only).
	Authentication *Auth `yaml:"authentication"`

	// ExcludedFeatures lists feature identifiers that must never appear
	// in exported data.
	ExcludedFeatures []string `yaml:"excluded_features"`

	// ExportUser enables per-user session detail. Off by default as a
	// privacy control.
	ExportUser bool `yaml:"export_user"`

	// Type records which ecosystem list the source was declared in.
	Type BackendType `yaml:"-"`
}

// Auth holds basic-auth credentials for backends that need them.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Excluded reports whether feature is in the source's exclusion list.
func (s Source) Excluded(feature string) bool {
	for _, f := range s.ExcludedFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	tag(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Global: GlobalConfig{
			PollInterval: DefaultPollInterval,
			FetchTimeout: DefaultFetchTimeout,
		},
	}
}

// tag stamps every source with the ecosystem of the list it was declared in.
func tag(cfg *Config) {
	for _, sec := range []struct {
		t    BackendType
		list []Source
	}{
		{TypeDSLS, cfg.DSLS},
		{TypeFlexLM, cfg.FlexLM},
		{TypeHASP, cfg.HASP},
		{TypeLicman20, cfg.Licman20},
		{TypeLMX, cfg.LMX},
		{TypeOLicense, cfg.OLicense},
		{TypeRLM, cfg.RLM},
	} {
		for i := range sec.list {
			sec.list[i].Type = sec.t
		}
	}
}

// Sources returns every configured source in declared order: sections in the
// fixed dsls, flexlm, hasp, licman20, lmx, olicense, rlm order, sources
// within a section in file order. This order is the exporter's stable
// source order.
func (c *Config) Sources() []Source {
	var out []Source
	out = append(out, c.DSLS...)
	out = append(out, c.FlexLM...)
	out = append(out, c.HASP...)
	out = append(out, c.Licman20...)
	out = append(out, c.LMX...)
	out = append(out, c.OLicense...)
	out = append(out, c.RLM...)
	return out
}

// validate checks required fields and structural constraints. Any error here
// is fatal at startup: the exporter must not begin serving with an invalid
// configuration.
func validate(cfg *Config) error {
	if cfg.Global.PollInterval <= 0 {
		return fmt.Errorf("global.poll_interval must be positive")
	}
	if cfg.Global.FetchTimeout <= 0 {
		return fmt.Errorf("global.fetch_timeout must be positive")
	}
	if cfg.Global.MaxQueriesPerSecond < 0 {
		return fmt.Errorf("global.max_queries_per_second must not be negative")
	}

	seen := make(map[string]BackendType)
	for _, src := range cfg.Sources() {
		if src.Name == "" {
			return fmt.Errorf("%s: source without a name", src.Type)
		}
		if prev, ok := seen[src.Name]; ok {
			return fmt.Errorf("duplicate source name %q (%s and %s)", src.Name, prev, src.Type)
		}
		seen[src.Name] = src.Type

		if err := validateSource(src); err != nil {
			return err
		}
	}
	return nil
}

func validateSource(src Source) error {
	if src.Type != TypeLicman20 && src.License == "" {
		return fmt.Errorf("%s %q: license is required", src.Type, src.Name)
	}

	switch src.Type {
	case TypeRLM:
		if src.ISV == "" {
			return fmt.Errorf("rlm %q: isv is required", src.Name)
		}

	case TypeHASP:
		if src.HaspKey == "" {
			return fmt.Errorf("hasp %q: hasp_key is required", src.Name)
		}
		if a := src.Authentication; a != nil {
			if a.Username == "" {
				return fmt.Errorf("hasp %q: authentication requires a username", src.Name)
			}
			if a.Password == "" {
				return fmt.Errorf("hasp %q: authentication requires a password", src.Name)
			}
		}

	case TypeLMX:
		servers := strings.Split(src.License, ":")
		if len(servers) > 1 && len(servers) != 3 {
			return fmt.Errorf("lmx %q: redundant HAL setups need exactly three servers, got %d", src.Name, len(servers))
		}
		for _, srv := range servers {
			if strings.Contains(srv, "@") && strings.Count(srv, "@") != 1 {
				return fmt.Errorf("lmx %q: invalid server %q, expected port@host", src.Name, srv)
			}
		}

	case TypeDSLS:
		servers := strings.Split(src.License, ":")
		if len(servers) > 1 && len(servers) != 3 {
			return fmt.Errorf("dsls %q: redundant setups need exactly three servers, got %d", src.Name, len(servers))
		}
		for _, srv := range servers {
			if strings.Count(srv, "@") != 1 {
				return fmt.Errorf("dsls %q: invalid server %q, expected port@host", src.Name, srv)
			}
		}
	}
	return nil
}
