package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cloudnet.yml.
type Config struct {
	Portal     Portal              `yaml:"portal"`
	Storage    Storage             `yaml:"storage"`
	Sites      []Site              `yaml:"sites"`
	Models     []string            `yaml:"models"`
	Products   []Product           `yaml:"products"`
	Bundles    map[string][]string `yaml:"bundles"`
	Jobs       map[string]Job      `yaml:"jobs"`
	Freeze     Freeze              `yaml:"freeze"`
	Retry      Retry               `yaml:"retry"`
	Processing Processing          `yaml:"processing"`
	Queue      Queue               `yaml:"queue"`
	Server     Server              `yaml:"server"`
	Notify     Notify              `yaml:"notify"`
	Logging    Logging             `yaml:"logging"`
}

type Portal struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Storage struct {
	Backend        string `yaml:"backend"`
	VolatileBucket string `yaml:"volatile_bucket"`
	StableBucket   string `yaml:"stable_bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	PathStyle      bool   `yaml:"path_style"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Root           string `yaml:"root"`
}

type Site struct {
	ID          string       `yaml:"id"`
	Type        string       `yaml:"type"`
	Instruments []Instrument `yaml:"instruments"`
}

// Instrument is a physical instrument at a site: its type (e.g. chm15k) and persistent identifier.
type Instrument struct {
	Type string `yaml:"type"`
	PID  string `yaml:"pid"`
}

type Product struct {
	ID                string   `yaml:"id"`
	Kind              string   `yaml:"kind"`
	Upstream          []string `yaml:"upstream"`
	SourceInstruments []string `yaml:"source_instruments"`
	InstrumentScoped  bool     `yaml:"instrument_scoped"`
	Model             string   `yaml:"model"`
	Command           []string `yaml:"command"`
	Experimental      bool     `yaml:"experimental"`
	BestEffort        bool     `yaml:"best_effort"`
	AllowNewVersion   *bool    `yaml:"allow_new_version"`
	FreezeAfterDays   int      `yaml:"freeze_after_days"`
}

type Job struct {
	Command []string `yaml:"command"`
}

type Freeze struct {
	AfterDays      int `yaml:"after_days"`
	ModelAfterDays int `yaml:"model_after_days"`
}

type Retry struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

type Processing struct {
	Command         []string      `yaml:"command"`
	Timeout         time.Duration `yaml:"timeout"`
	WorkDir         string        `yaml:"work_dir"`
	SoftwareVersion string        `yaml:"software_version"`
}

type Queue struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxTasks          int           `yaml:"max_tasks"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

type Notify struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const DefaultQueue = "default"

var productKinds = map[string]bool{
	"instrument":  true,
	"geophysical": true,
	"model":       true,
	"evaluation":  true,
}

var jobNames = map[string]bool{"plot": true, "qc": true, "housekeeping": true}

// ApplyDefaults fills zero values with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Portal.Timeout == 0 {
		c.Portal.Timeout = 30 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.Backend == "local" && c.Storage.Root == "" {
		c.Storage.Root = filepath.Join(".cloudnet", "storage")
	}
	if c.Freeze.AfterDays == 0 {
		c.Freeze.AfterDays = 3
	}
	if c.Freeze.ModelAfterDays == 0 {
		c.Freeze.ModelAfterDays = 4
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 2 * time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = time.Minute
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Processing.Timeout == 0 {
		c.Processing.Timeout = 30 * time.Minute
	}
	if c.Processing.WorkDir == "" {
		c.Processing.WorkDir = os.TempDir()
	}
	if c.Queue.Name == "" {
		c.Queue.Name = DefaultQueue
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = time.Hour
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 10 * time.Second
	}
	if c.Queue.MaxTasks == 0 {
		c.Queue.MaxTasks = 1000
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "s3":
		if c.Storage.VolatileBucket == "" || c.Storage.StableBucket == "" {
			return fmt.Errorf("config.storage requires volatile_bucket and stable_bucket for s3")
		}
	case "local":
	case "memory":
	default:
		return fmt.Errorf("config.storage.backend must be s3, local or memory")
	}
	if len(c.Sites) == 0 {
		return fmt.Errorf("config.sites is required")
	}
	seenSites := map[string]bool{}
	for _, s := range c.Sites {
		if s.ID == "" {
			return fmt.Errorf("config.sites contains empty site id")
		}
		if seenSites[s.ID] {
			return fmt.Errorf("duplicate site %s", s.ID)
		}
		seenSites[s.ID] = true
		for _, inst := range s.Instruments {
			if inst.Type == "" || inst.PID == "" {
				return fmt.Errorf("site %s has instrument without type or pid", s.ID)
			}
		}
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("config.products is required")
	}
	seenProducts := map[string]bool{}
	for _, p := range c.Products {
		if p.ID == "" {
			return fmt.Errorf("config.products contains empty product id")
		}
		if seenProducts[p.ID] {
			return fmt.Errorf("duplicate product %s", p.ID)
		}
		seenProducts[p.ID] = true
		if !productKinds[p.Kind] {
			return fmt.Errorf("product %s has unknown kind %q", p.ID, p.Kind)
		}
		if p.FreezeAfterDays < 0 {
			return fmt.Errorf("product %s has negative freeze_after_days", p.ID)
		}
	}
	for name, members := range c.Bundles {
		if name == "" || len(members) == 0 {
			return fmt.Errorf("config.bundles contains empty bundle %q", name)
		}
		if seenProducts[name] || productKinds[name] {
			return fmt.Errorf("bundle %s shadows a product or kind", name)
		}
	}
	for name := range c.Jobs {
		if !jobNames[name] {
			return fmt.Errorf("config.jobs has unknown job %s", name)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config.retry.multiplier must be >= 1")
	}
	if c.Queue.MaxTasks < 1 {
		return fmt.Errorf("config.queue.max_tasks must be >= 1")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	return nil
}

// Site returns the configured site by id.
func (c *Config) Site(id string) (Site, bool) {
	for _, s := range c.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return Site{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cloudnet.yml")
}

// Load reads and validates config from path; a missing file falls back to the default config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `portal:
  url: http://localhost:3000
  timeout: 30s

storage:
  backend: local
  root: .cloudnet/storage
  volatile_bucket: cloudnet-product-volatile
  stable_bucket: cloudnet-product

sites:
  - id: hyytiala
    type: cloudnet
    instruments:
      - type: rpg-fmcw-94
        pid: https://hdl.handle.net/21.12132/3.191564170f8a4686
      - type: chm15k
        pid: https://hdl.handle.net/21.12132/3.77a75f3b32294855
      - type: hatpro
        pid: https://hdl.handle.net/21.12132/3.ca6a7a2a4d2e4d1c
  - id: bucharest
    type: cloudnet
    instruments:
      - type: mira-35
        pid: https://hdl.handle.net/21.12132/3.c60c931fac4b4fb4
      - type: cl51
        pid: https://hdl.handle.net/21.12132/3.1a7bdf8b7d7a4f1a
  - id: mace-head
    type: cloudnet
    instruments: []

models: [ecmwf, icon-iglo-12-23, gdas1, harmonie-fmi-6-11]

products:
  - id: radar
    kind: instrument
    source_instruments: [rpg-fmcw-94, mira-35, copernicus, basta]
  - id: lidar
    kind: instrument
    source_instruments: [chm15k, cl51, cl61d, pollyxt, cs135]
  - id: mwr
    kind: instrument
    source_instruments: [hatpro]
  - id: disdrometer
    kind: instrument
    source_instruments: [parsivel, thies-lnm]
    best_effort: true
  - id: doppler-lidar
    kind: instrument
    source_instruments: [halo-doppler-lidar, wls200s]
  - id: mwr-l1c
    kind: instrument
    source_instruments: [hatpro]
  - id: model
    kind: model
  - id: categorize
    kind: geophysical
    upstream: [radar, lidar, model]
  - id: classification
    kind: geophysical
    upstream: [categorize]
  - id: iwc
    kind: geophysical
    upstream: [categorize]
  - id: lwc
    kind: geophysical
    upstream: [categorize]
  - id: drizzle
    kind: geophysical
    upstream: [categorize]
  - id: der
    kind: geophysical
    upstream: [categorize]
    experimental: true
  - id: doppler-lidar-wind
    kind: geophysical
    upstream: [doppler-lidar]
    instrument_scoped: true
  - id: mwr-single
    kind: geophysical
    upstream: [mwr-l1c]
    instrument_scoped: true
  - id: mwr-multi
    kind: geophysical
    upstream: [mwr-l1c]
    instrument_scoped: true
  - id: categorize-voodoo
    kind: geophysical
    upstream: [radar, lidar, model]
    experimental: true
  - id: classification-voodoo
    kind: geophysical
    upstream: [categorize-voodoo]
    experimental: true
  - id: cpr-simulation
    kind: geophysical
    upstream: [categorize]
    experimental: true
    best_effort: true
  - id: l3-cf
    kind: evaluation
    upstream: [categorize, model]
    model: ecmwf
  - id: l3-iwc
    kind: evaluation
    upstream: [iwc, model]
    model: ecmwf
  - id: l3-lwc
    kind: evaluation
    upstream: [lwc, model]
    model: ecmwf

bundles:
  voodoo: [categorize-voodoo, classification-voodoo]
  mwrpy: [mwr-l1c, mwr-single, mwr-multi]
  doppy: [doppler-lidar, doppler-lidar-wind]
  cpr: [cpr-simulation]

processing:
  command: [cloudnet-collab]
  timeout: 30m

freeze:
  after_days: 3
  model_after_days: 4

retry:
  max_attempts: 3
  initial_delay: 2s
  max_delay: 1m
  multiplier: 2
  jitter: true

queue:
  name: default
  visibility_timeout: 1h
  poll_interval: 10s
  max_tasks: 1000

server:
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  level: info
  format: text
`
