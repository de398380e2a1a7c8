package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"minishell/internal/swcache"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		S3     struct {
			Bucket string `yaml:"bucket"`
			Region string `yaml:"region"`
			Prefix string `yaml:"prefix"`
		} `yaml:"s3"`
	} `yaml:"server"`

	Shell   Shell   `yaml:"shell"`
	Worker  Worker  `yaml:"worker"`
	Storage Storage `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		StatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`
}

// Shell configures how mini-app bundles are mounted into the shell document.
type Shell struct {
	Template      string `yaml:"template"`
	Container     string `yaml:"container"`
	DebugElement  string `yaml:"debugElement"`
	StartHook     string `yaml:"startHook"`
	Anchor        string `yaml:"anchor"`
	PollInterval  string `yaml:"pollInterval"`
	AnchorTimeout string `yaml:"anchorTimeout"`

	Runtime struct {
		Symbol string `yaml:"symbol"`
		URL    string `yaml:"url"`
	} `yaml:"runtime"`

	PollIntervalDur  time.Duration `yaml:"-"`
	AnchorTimeoutDur time.Duration `yaml:"-"`
}

type Worker struct {
	Dev           bool                `yaml:"dev"`
	Version       string              `yaml:"version"`
	ShellDocument string              `yaml:"shellDocument"`
	Precache      []string            `yaml:"precache"`
	PrefetchModel *bool               `yaml:"prefetchModel"`
	SyncTag       string              `yaml:"syncTag"`
	SyncSchedule  string              `yaml:"syncSchedule"`
	Routes        []swcache.RouteSpec `yaml:"routes"`
}

type Storage struct {
	Backend string `yaml:"backend"`
	RAM     struct {
		Max string `yaml:"max"`
	} `yaml:"ram"`
	Disk struct {
		Path string `yaml:"path"`
		Max  string `yaml:"max"`
	} `yaml:"disk"`
	Redis struct {
		URL    string `yaml:"url"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`

	RAMMaxBytes  int64 `yaml:"-"`
	DiskMaxBytes int64 `yaml:"-"`
}

const (
	DefaultRuntimeURL = "https://cdn.jsdelivr.net/npm/onnxruntime-web@1.16.3/dist/ort.min.js"
)

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes a YAML document, fills defaults and validates the result.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.Origin == "" && cfg.Server.S3.Bucket == "" {
		return fmt.Errorf("server.origin or server.s3.bucket is required")
	}
	if cfg.Server.S3.Bucket != "" && cfg.Server.S3.Prefix == "" {
		cfg.Server.S3.Prefix = "app"
	}

	if err := cfg.Shell.normalize(); err != nil {
		return err
	}
	cfg.Worker.normalize()
	if _, err := swcache.CompileRoutes(cfg.Worker.Routes); err != nil {
		return fmt.Errorf("worker.routes: %w", err)
	}
	if err := cfg.Storage.normalize(); err != nil {
		return err
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.StatsEveryDur = d
	}
	return nil
}

func (s *Shell) normalize() error {
	if s.Container == "" {
		s.Container = "app-container"
	}
	if s.DebugElement == "" {
		s.DebugElement = "debug"
	}
	if s.StartHook == "" {
		s.StartHook = "startShapeApp"
	}
	if s.Anchor == "" {
		s.Anchor = "cameraBtn"
	}
	if s.Runtime.Symbol == "" {
		s.Runtime.Symbol = "ort"
	}
	if s.Runtime.URL == "" {
		s.Runtime.URL = DefaultRuntimeURL
	}
	if !strings.HasPrefix(s.Runtime.URL, "https://") && !strings.HasPrefix(s.Runtime.URL, "/") {
		return fmt.Errorf("shell.runtime.url must be https or same-origin, got %q", s.Runtime.URL)
	}

	s.PollIntervalDur = 50 * time.Millisecond
	if s.PollInterval != "" {
		d, err := time.ParseDuration(s.PollInterval)
		if err != nil {
			return fmt.Errorf("shell.pollInterval: %w", err)
		}
		s.PollIntervalDur = d
	}
	s.AnchorTimeoutDur = 5 * time.Second
	if s.AnchorTimeout != "" {
		d, err := time.ParseDuration(s.AnchorTimeout)
		if err != nil {
			return fmt.Errorf("shell.anchorTimeout: %w", err)
		}
		s.AnchorTimeoutDur = d
	}
	return nil
}

func (w *Worker) normalize() {
	if w.ShellDocument == "" {
		w.ShellDocument = "/index.html"
	}
	if w.SyncTag == "" {
		w.SyncTag = "model-update"
	}
	if w.Precache == nil {
		w.Precache = []string{"/", "/index.html", "/manifest.json", "/icon.png", DefaultRuntimeURL}
	}
}

// ShouldPrefetchModel reports whether install should warm the model partition.
// Unset means yes.
func (w Worker) ShouldPrefetchModel() bool {
	return w.PrefetchModel == nil || *w.PrefetchModel
}

func (s *Storage) normalize() error {
	switch s.Backend {
	case "":
		s.Backend = "memory"
	case "memory", "leveldb", "redis":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", s.Backend)
	}

	if s.RAM.Max == "" {
		s.RAM.Max = "256mb"
	}
	n, err := ParseBytes(s.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	s.RAMMaxBytes = n

	if s.Disk.Path == "" {
		s.Disk.Path = "./data/leveldb"
	}
	if s.Disk.Max == "" {
		s.Disk.Max = "2gb"
	}
	n, err = ParseBytes(s.Disk.Max)
	if err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	s.DiskMaxBytes = n

	if s.Backend == "redis" && s.Redis.URL == "" {
		return fmt.Errorf("storage.redis.url is required for the redis backend")
	}
	if s.Redis.Prefix == "" {
		s.Redis.Prefix = "minishell"
	}
	return nil
}
