package style

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config selects which ways are written to the graph and which of their tags
// are kept as properties
type Config struct {
	// Ways filters ways by their tags. Nil keeps every way.
	Ways *FilterConfig `yaml:"ways,omitempty"`
	// Tags controls which tag keys are stored on way nodes
	Tags *TagConfig `yaml:"tags,omitempty"`
}

// FilterConfig defines filtering rules on a tag set
type FilterConfig struct {
	// Include keeps features carrying one of these key/value pairs.
	// An empty value list, or "*", matches any value.
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude drops features carrying one of these key/value pairs.
	// Applied after include rules.
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny drops features carrying none of these keys
	RequireAny []string `yaml:"require_any,omitempty"`
}

// TagConfig lists tag keys to keep or drop. A trailing "*" matches a key
// prefix, e.g. "name:*". Drop wins over Keep; an empty Keep keeps everything.
type TagConfig struct {
	Keep []string `yaml:"keep,omitempty"`
	Drop []string `yaml:"drop,omitempty"`
}

// LoadConfig loads a style configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse style YAML: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration that keeps every way and tag, apart
// from bookkeeping keys that only matter to editors
func DefaultConfig() *Config {
	return &Config{
		Tags: &TagConfig{Drop: []string{"created_by", "source", "note", "fixme", "FIXME"}},
	}
}

// WayFilter returns the filter for ways
func (c *Config) WayFilter() *Filter {
	if c == nil {
		return NewFilter(nil)
	}
	return NewFilter(c.Ways)
}

// KeepTag reports whether a tag key is stored
func (c *Config) KeepTag(key string) bool {
	if c == nil || c.Tags == nil {
		return true
	}
	if matchAnyKey(c.Tags.Drop, key) {
		return false
	}
	return len(c.Tags.Keep) == 0 || matchAnyKey(c.Tags.Keep, key)
}

func matchAnyKey(patterns []string, key string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
		} else if p == key {
			return true
		}
	}
	return false
}

// Filter checks if tags match the filter configuration
type Filter struct {
	cfg *FilterConfig
}

// NewFilter creates a filter from configuration
func NewFilter(cfg *FilterConfig) *Filter {
	if cfg == nil {
		cfg = &FilterConfig{}
	}
	return &Filter{cfg: cfg}
}

// Match reports whether a feature with these tags is kept
func (f *Filter) Match(tags map[string]string) bool {
	if len(f.cfg.RequireAny) > 0 && !hasAnyKey(tags, f.cfg.RequireAny) {
		return false
	}
	if len(f.cfg.Include) > 0 && !matchRules(tags, f.cfg.Include) {
		return false
	}
	return !matchRules(tags, f.cfg.Exclude)
}

func hasAnyKey(tags map[string]string, keys []string) bool {
	for _, key := range keys {
		if _, ok := tags[key]; ok {
			return true
		}
	}
	return false
}

// matchRules reports whether any key/value rule matches
func matchRules(tags map[string]string, rules map[string][]string) bool {
	for key, values := range rules {
		v, ok := tags[key]
		if !ok {
			continue
		}
		if len(values) == 0 {
			return true
		}
		for _, want := range values {
			if want == v || want == "*" {
				return true
			}
		}
	}
	return false
}

// MatchOSMTags is a convenience method for osm.Tags
func (f *Filter) MatchOSMTags(tags interface{ Map() map[string]string }) bool {
	return f.Match(tags.Map())
}

// HasFilter returns true if filtering is enabled
func (f *Filter) HasFilter() bool {
	return len(f.cfg.Include) > 0 || len(f.cfg.Exclude) > 0 || len(f.cfg.RequireAny) > 0
}
