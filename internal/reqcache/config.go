package reqcache

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	// Generation is baked in at deploy time. Changing it replaces every
	// partition that does not pin its own generation.
	Generation string `yaml:"generation"`

	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Partitions []PartitionConfig `yaml:"partitions"`
	Classify   ClassifyConfig    `yaml:"classify"`
	Strategies []StrategyConfig  `yaml:"strategies"`

	Precache struct {
		URLs     []string `yaml:"urls"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"precache"`

	Janitor struct {
		Every       string   `yaml:"every"`
		Prefixes    []string `yaml:"prefixes"`
		MaxEntryAge string   `yaml:"maxEntryAge"`

		everyDur  time.Duration
		maxAgeDur time.Duration
	} `yaml:"janitor"`

	Retry struct {
		MaxAttempts  int    `yaml:"maxAttempts"`
		DedupeWindow string `yaml:"dedupeWindow"`

		dedupeDur time.Duration
	} `yaml:"retry"`

	Connectivity struct {
		Probe string `yaml:"probe"`
		Every string `yaml:"every"`

		everyDur time.Duration
	} `yaml:"connectivity"`

	Logging struct {
		Level      string `yaml:"level"`
		Console    bool   `yaml:"console"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Exporter string `yaml:"exporter"`
	} `yaml:"metrics"`

	ramMax  int64
	diskMax int64
}

type PartitionConfig struct {
	Name string `yaml:"name"`
	// Generation pins this partition to its own generation instead of the
	// global one.
	Generation string `yaml:"generation"`
	// Fallback is a URL (absolute or origin-relative) precached into this
	// partition and served when a cache-first fetch fails.
	Fallback string `yaml:"fallback"`
}

type ClassifyConfig struct {
	// StaticPrefixes are build output path segments such as "/static/".
	// A path containing one anywhere is a static asset.
	StaticPrefixes   []string `yaml:"staticPrefixes"`
	StaticExtensions []string `yaml:"staticExtensions"`
	ImageExtensions  []string `yaml:"imageExtensions"`
	APIPrefixes      []string `yaml:"apiPrefixes"`
}

type StrategyConfig struct {
	Class     string `yaml:"class"`
	Partition string `yaml:"partition"`
	Strategy  string `yaml:"strategy"`
}

// envOverrides are deploy-time settings that win over the YAML file.
type envOverrides struct {
	Origin     string `env:"REQCACHE_ORIGIN"`
	Port       int    `env:"REQCACHE_PORT"`
	Generation string `env:"REQCACHE_GENERATION"`
	DataDir    string `env:"REQCACHE_DATA_DIR"`
	Backend    string `env:"REQCACHE_BACKEND"`
	LogLevel   string `env:"REQCACHE_LOG_LEVEL"`
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, err
	}
	ov.apply(&cfg)

	if cfg.Server.Origin == "" {
		return Config{}, configError("server.origin is required")
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (ov envOverrides) apply(cfg *Config) {
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.Generation != "" {
		cfg.Generation = ov.Generation
	}
	if ov.DataDir != "" {
		cfg.Storage.Path = ov.DataDir
	}
	if ov.Backend != "" {
		cfg.Storage.Backend = ov.Backend
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
}

// DefaultConfig returns the built-in strategy table with no origin set.
func DefaultConfig() Config {
	var cfg Config
	if err := cfg.Normalize(); err != nil {
		panic(err)
	}
	return cfg
}

// Normalize fills defaults and compiles durations and sizes.
func (cfg *Config) Normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Generation == "" {
		cfg.Generation = "v1"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/reqcache"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64m"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1g"
	}

	var err error
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return configError("storage.ram.max: %v", err)
	}
	if cfg.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return configError("storage.disk.max: %v", err)
	}

	if len(cfg.Partitions) == 0 {
		cfg.Partitions = []PartitionConfig{
			{Name: "static"},
			{Name: "images"},
			{Name: "dynamic"},
			{Name: "pages"},
		}
	}
	seen := map[string]struct{}{}
	for i, p := range cfg.Partitions {
		name := strings.TrimSpace(p.Name)
		if name == "" || strings.Contains(name, "@") {
			return configError("partitions[%d].name: invalid name %q", i, p.Name)
		}
		if _, dup := seen[name]; dup {
			return configError("partitions[%d].name: duplicate %q", i, name)
		}
		seen[name] = struct{}{}
		cfg.Partitions[i].Name = name
	}

	if len(cfg.Strategies) == 0 {
		cfg.Strategies = []StrategyConfig{
			{Class: "static", Partition: "static", Strategy: "stale-while-revalidate"},
			{Class: "image", Partition: "images", Strategy: "cache-first"},
			{Class: "api", Partition: "dynamic", Strategy: "network-first"},
			{Class: "document", Partition: "pages", Strategy: "network-first"},
			{Class: "unclassified", Partition: "dynamic", Strategy: "stale-while-revalidate"},
		}
	}
	for i, s := range cfg.Strategies {
		if _, err := ParseResourceClass(s.Class); err != nil {
			return configError("strategies[%d].class: %v", i, err)
		}
		if _, err := ParseStrategyKind(s.Strategy); err != nil {
			return configError("strategies[%d].strategy: %v", i, err)
		}
		if _, ok := seen[s.Partition]; !ok {
			return configError("strategies[%d].partition: %q is not declared", i, s.Partition)
		}
	}

	c := &cfg.Classify
	if len(c.StaticPrefixes) == 0 {
		c.StaticPrefixes = []string{"/static/"}
	}
	if len(c.StaticExtensions) == 0 {
		c.StaticExtensions = []string{"js", "css", "woff", "woff2"}
	}
	if len(c.ImageExtensions) == 0 {
		c.ImageExtensions = []string{"jpg", "jpeg", "png", "gif", "webp", "avif", "svg"}
	}
	if len(c.APIPrefixes) == 0 {
		c.APIPrefixes = []string{"/api/"}
	}

	if cfg.Janitor.Every == "" {
		cfg.Janitor.Every = "24h"
	}
	if cfg.Janitor.everyDur, err = time.ParseDuration(cfg.Janitor.Every); err != nil {
		return configError("janitor.every: %v", err)
	}
	if cfg.Janitor.MaxEntryAge != "" {
		if cfg.Janitor.maxAgeDur, err = time.ParseDuration(cfg.Janitor.MaxEntryAge); err != nil {
			return configError("janitor.maxEntryAge: %v", err)
		}
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.DedupeWindow == "" {
		cfg.Retry.DedupeWindow = "2s"
	}
	if cfg.Retry.dedupeDur, err = time.ParseDuration(cfg.Retry.DedupeWindow); err != nil {
		return configError("retry.dedupeWindow: %v", err)
	}

	if cfg.Connectivity.Every == "" {
		cfg.Connectivity.Every = "15s"
	}
	if cfg.Connectivity.everyDur, err = time.ParseDuration(cfg.Connectivity.Every); err != nil {
		return configError("connectivity.every: %v", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.StatsEvery != "" {
		if cfg.Logging.statsEveryDur, err = time.ParseDuration(cfg.Logging.StatsEvery); err != nil {
			return configError("logging.statsEvery: %v", err)
		}
	}
	if cfg.Metrics.Exporter == "" {
		cfg.Metrics.Exporter = "none"
	}
	return nil
}

// CurrentPartitions is the declared (name, generation) set for this deploy.
func (cfg Config) CurrentPartitions() []Partition {
	out := make([]Partition, 0, len(cfg.Partitions))
	for _, p := range cfg.Partitions {
		gen := p.Generation
		if gen == "" {
			gen = cfg.Generation
		}
		out = append(out, Partition{Name: p.Name, Generation: gen})
	}
	return out
}

// ResolveURL makes origin-relative URLs absolute.
func (cfg Config) ResolveURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return cfg.Server.Origin + u
}
