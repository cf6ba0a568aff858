// Package config holds the resolved daemon configuration: global settings, the
// monitored log groups and the per-file bookmarks the data store writes into.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AddressPlaceholder marks where a pattern expects the offending IP address.
const AddressPlaceholder = "%i"

const envPrefix = "hostblock"

type Pattern struct {
	Pattern string `yaml:"pattern"`
	Score   uint32 `yaml:"score"`
}

// LogFile is a monitored log file. Bookmark and Size are owned by the data store.
type LogFile struct {
	Path     string `yaml:"path"`
	Bookmark uint64 `yaml:"-"`
	Size     uint64 `yaml:"-"`
}

// UnmarshalYAML accepts both `- /var/log/auth.log` and `- path: /var/log/auth.log`.
func (f *LogFile) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		f.Path = value.Value
		return nil
	}

	type plain LogFile
	return value.Decode((*plain)(f))
}

type LogGroup struct {
	Name     string    `yaml:"name"`
	LogFiles []LogFile `yaml:"files"`
	Patterns []Pattern `yaml:"patterns"`
}

// Webhook is an external module notified about blocks and unblocks.
type Webhook struct {
	Address string `yaml:"address" json:"address"`
	Method  string `yaml:"method" json:"method"`
}

type Config struct {
	DataFilePath         string        `yaml:"datafile_path" envconfig:"DATAFILE_PATH"`
	LogCheckInterval     time.Duration `yaml:"log_check_interval" envconfig:"LOG_CHECK_INTERVAL"`
	ActivityScoreToBlock uint32        `yaml:"address_block_score" envconfig:"ADDRESS_BLOCK_SCORE"`
	// Seconds a rule is kept per score point, 0 keeps rules forever.
	KeepBlockedScoreMultiplier *uint32       `yaml:"address_block_multiplier" envconfig:"ADDRESS_BLOCK_MULTIPLIER"`
	HousekeepingInterval       time.Duration `yaml:"housekeeping_interval" envconfig:"HOUSEKEEPING_INTERVAL"`
	ListenAddress              string        `yaml:"listen_address" envconfig:"LISTEN_ADDRESS"`
	LogLevel                   string        `yaml:"log_level" envconfig:"LOG_LEVEL"`

	Webhooks  []Webhook  `yaml:"webhooks" ignored:"true"`
	LogGroups []LogGroup `yaml:"log_groups" ignored:"true"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// HOSTBLOCK_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %v", path)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process environment overrides")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate sets defaults for missing values and rejects configurations the data file cannot represent.
func (c *Config) Validate() error {
	if c.DataFilePath == "" {
		c.DataFilePath = "/var/lib/hostblock/hostblock.data"
	}
	if c.LogCheckInterval <= 0 {
		c.LogCheckInterval = 30 * time.Second
	}
	if c.ActivityScoreToBlock == 0 {
		c.ActivityScoreToBlock = 10
	}
	if c.KeepBlockedScoreMultiplier == nil {
		m := uint32(3600)
		c.KeepBlockedScoreMultiplier = &m
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = time.Hour
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	for i := range c.Webhooks {
		if c.Webhooks[i].Method == "" {
			c.Webhooks[i].Method = "POST"
		}
	}

	seen := make(map[string]string)
	for gi := range c.LogGroups {
		g := &c.LogGroups[gi]
		if g.Name == "" {
			return errors.Errorf("log group #%d has no name", gi+1)
		}

		for _, f := range g.LogFiles {
			if f.Path == "" || strings.ContainsAny(f.Path, "\r\n") || strings.TrimSpace(f.Path) != f.Path {
				return errors.Errorf("log group %v has an invalid log file path %q", g.Name, f.Path)
			}
			if other, ok := seen[f.Path]; ok {
				return errors.Errorf("log file %v is configured in both %v and %v", f.Path, other, g.Name)
			}
			seen[f.Path] = g.Name
		}

		for pi := range g.Patterns {
			p := &g.Patterns[pi]
			if !strings.Contains(p.Pattern, AddressPlaceholder) {
				return errors.Errorf("pattern %q in log group %v has no %v placeholder", p.Pattern, g.Name, AddressPlaceholder)
			}
			if p.Score == 0 {
				p.Score = 1
			}
		}
	}

	return nil
}

// KeepMultiplier returns the seconds a firewall rule is kept per score point.
func (c *Config) KeepMultiplier() uint32 {
	if c.KeepBlockedScoreMultiplier == nil {
		return 0
	}
	return *c.KeepBlockedScoreMultiplier
}

// LogFile returns the configured log file with the given path. Log file counts
// are small, a linear search over the groups in order is enough.
func (c *Config) LogFile(path string) (*LogFile, bool) {
	for gi := range c.LogGroups {
		for fi := range c.LogGroups[gi].LogFiles {
			if c.LogGroups[gi].LogFiles[fi].Path == path {
				return &c.LogGroups[gi].LogFiles[fi], true
			}
		}
	}
	return nil, false
}

// EachLogFile calls fn for every configured log file in configuration order.
func (c *Config) EachLogFile(fn func(group *LogGroup, file *LogFile)) {
	for gi := range c.LogGroups {
		for fi := range c.LogGroups[gi].LogFiles {
			fn(&c.LogGroups[gi], &c.LogGroups[gi].LogFiles[fi])
		}
	}
}

// Print writes the effective configuration as YAML.
func (c *Config) Print(w io.Writer) error {
	if _, err := io.WriteString(w, "# hostblock configuration, generated automatically\n"); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "failed to encode configuration")
	}
	return enc.Close()
}
