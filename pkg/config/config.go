package config

import (
	"flag"
	"os"
	"strings"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"

	"github.com/snowops/chgctl/pkg/lifecycle"
	"github.com/snowops/chgctl/pkg/snowchange"
	util_log "github.com/snowops/chgctl/pkg/util/log"
)

// Environment variables the resolver reads. Their names double as the
// canonical parameter names in validation errors.
const (
	EnvURL         = "SNOW_URL"
	EnvUser        = "SNOW_USER"
	EnvPassword    = "SNOW_PASSWORD"
	EnvTemplateRef = "SNOW_STANDARD_CHANGE"
	EnvDebug       = "DEBUG"
)

type Config struct {
	TemplateRef string `yaml:"standard_change"`
	Debug       bool   `yaml:"debug"`

	Client    snowchange.Config `yaml:"client"`
	Lifecycle lifecycle.Config  `yaml:"lifecycle"`
	Log       util_log.Config   `yaml:"log"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.TemplateRef, "standard-change", "", `Sys_id of the standard change template to create from.`)
	f.BoolVar(&c.Debug, "debug", false, `Enable debug logging.`)

	c.Client.RegisterFlags("client.", f)
	c.Lifecycle.RegisterFlags("lifecycle.", f)
	c.Log.RegisterFlags(f)
}

func Default() *Config {
	cfg := &Config{}
	flagext.DefaultValues(cfg)

	return cfg
}

// LoadFile merges a yaml config file into cfg.
func LoadFile(path string, cfg *Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}

	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return errors.Wrap(err, "parse config file")
	}

	return nil
}

// ApplyEnv overlays cfg with values from lookup. Only set variables
// override; lookup defaults to os.Getenv. No network or file I/O happens
// here.
func (c *Config) ApplyEnv(lookup func(string) string) {
	if lookup == nil {
		lookup = os.Getenv
	}

	if v := lookup(EnvURL); v != "" {
		c.Client.URL = strings.TrimRight(v, "/")
	}
	if v := lookup(EnvUser); v != "" {
		c.Client.Username = v
	}
	if v := lookup(EnvPassword); v != "" {
		c.Client.Password = flagext.SecretWithValue(v)
	}
	if v := lookup(EnvTemplateRef); v != "" {
		c.TemplateRef = v
	}
	c.Debug = c.Debug || lookup(EnvDebug) == "true"
}

// FromEnv resolves a ready to use configuration from the environment alone.
func FromEnv(lookup func(string) string) (*Config, error) {
	cfg := Default()
	cfg.ApplyEnv(lookup)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type param struct {
	name  string
	value string
}

// Validate reports every missing required parameter at once, so a caller
// can fix all of them in one pass.
func (c *Config) Validate() error {
	required := []param{
		{EnvURL, c.Client.URL},
		{EnvUser, c.Client.Username},
		{EnvPassword, c.Client.Password.String()},
		{EnvTemplateRef, c.TemplateRef},
	}

	missing := lo.FilterMap(required, func(p param, _ int) (string, bool) {
		return p.name, p.value == ""
	})

	if len(missing) > 0 {
		return &MissingParamsError{Params: missing}
	}

	return nil
}

// MissingParamsError names every absent required connection parameter.
type MissingParamsError struct {
	Params []string
}

func (e *MissingParamsError) Error() string {
	return "missing required configuration: " + strings.Join(e.Params, ", ")
}
