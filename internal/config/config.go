package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/podqueue/internal/common"
)

// EnvConfigPath names the environment variable that points at the YAML file.
const EnvConfigPath = "PODQUEUE_CONFIG"

const defaultConfigPath = "config.yaml"

// Config is the root configuration loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	Generator GeneratorConfig `yaml:"generator"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxBodySize   ByteSize      `yaml:"maxBodySize"`
	DataDir       string        `yaml:"dataDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for the in-flight attempt
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFormat     string        `yaml:"logFormat"`     // text|json|tint
	CORSOrigins   []string      `yaml:"corsOrigins"`
	LibraryLimit  int           `yaml:"libraryLimit"`
}

// DatabaseConfig selects the job store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite|postgres|memory
	Path   string `yaml:"path"`   // sqlite file
	URL    string `yaml:"url"`    // postgres connection URL, falls back to DATABASE_URL
}

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	IdleInterval   time.Duration `yaml:"idleInterval"`
	ErrorBackoff   time.Duration `yaml:"errorBackoff"`
	HeartbeatEvery int           `yaml:"heartbeatEvery"` // empty polls between heartbeat logs
	WorkDir        string        `yaml:"workDir"`
	KeepGenerated  bool          `yaml:"keepGenerated"`
}

// GeneratorConfig selects the generation pipeline and its options.
type GeneratorConfig struct {
	Provider string          `yaml:"provider"` // mock|http|command
	Options  GenerateOptions `yaml:"options"`
	Mock     MockSettings    `yaml:"mock"`
	HTTP     HTTPSettings    `yaml:"http"`
	Command  CommandSettings `yaml:"command"`
}

// GenerateOptions are passed to every generation call.
type GenerateOptions struct {
	LLMModel     string         `yaml:"llmModel"`
	TTSModel     string         `yaml:"ttsModel"`
	Conversation map[string]any `yaml:"conversation"`
}

// MockSettings config for the mock generator.
type MockSettings struct {
	Delay  time.Duration `yaml:"delay"`
	Frames int           `yaml:"frames"`
	Fail   string        `yaml:"fail"` // when set, every call fails with this message
}

// HTTPSettings config for a remote generation service.
type HTTPSettings struct {
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// CommandSettings config for a local generator executable.
type CommandSettings struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"` // text/template strings
}

// StorageConfig selects where finished artifacts are kept.
type StorageConfig struct {
	Backend string        `yaml:"backend"` // local|s3
	Local   LocalSettings `yaml:"local"`
	S3      S3Settings    `yaml:"s3"`
}

// LocalSettings config for filesystem artifact storage.
type LocalSettings struct {
	Dir           string `yaml:"dir"`
	PublicBaseURL string `yaml:"publicBaseUrl"` // optional; refs stay relative when empty
}

// S3Settings config for S3 compatible object storage such as Cloudflare R2.
type S3Settings struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccountID       string `yaml:"accountId"` // R2 account; derives the endpoint when set
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	PublicBaseURL   string `yaml:"publicBaseUrl"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

// EventsConfig enables lifecycle notifications over NATS.
type EventsConfig struct {
	NATSURL       string `yaml:"natsUrl"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	ClientName    string `yaml:"clientName"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10MiB", "20MB", "512Ki", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
	}
	parsed, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses binary (Ki, MiB) and decimal (KB, MB) quantities as well as bare bytes.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v, nil
}

// Load reads YAML config from path, expands environment variables, and validates it.
// A .env file in the working directory is loaded first when present.
// If path is empty, PODQUEUE_CONFIG is consulted, then "config.yaml"; a missing
// default file yields a configuration made of defaults only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	explicit := true
	if path == "" {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
		} else {
			path = defaultConfigPath
			explicit = false
		}
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - reading sanitized config file path is expected
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure dataDir: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(1024 * 1024)
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.LogFormat) == "" {
		cfg.Server.LogFormat = "text"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	if cfg.Server.LibraryLimit <= 0 {
		cfg.Server.LibraryLimit = common.DefaultLibraryLimit
	}

	// Database defaults
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Database.Driver == "" {
		if cfg.Database.URL != "" {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Server.DataDir, "podqueue.db")
	}

	// Worker defaults
	if cfg.Worker.IdleInterval == 0 {
		cfg.Worker.IdleInterval = common.DefaultIdleInterval
	}
	if cfg.Worker.ErrorBackoff == 0 {
		cfg.Worker.ErrorBackoff = common.DefaultErrorBackoff
	}
	if cfg.Worker.HeartbeatEvery <= 0 {
		cfg.Worker.HeartbeatEvery = common.DefaultHeartbeatEvery
	}
	if cfg.Worker.WorkDir == "" {
		cfg.Worker.WorkDir = filepath.Join(cfg.Server.DataDir, common.GeneratedDirName)
	}

	// Generator defaults
	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = "mock"
	}
	if cfg.Generator.Options.LLMModel == "" {
		cfg.Generator.Options.LLMModel = "gpt-4o"
	}
	if cfg.Generator.Options.TTSModel == "" {
		cfg.Generator.Options.TTSModel = "openai"
	}
	if cfg.Generator.Mock.Delay == 0 {
		cfg.Generator.Mock.Delay = 2 * time.Second
	}
	if cfg.Generator.Mock.Frames <= 0 {
		cfg.Generator.Mock.Frames = 100
	}
	if cfg.Generator.HTTP.Timeout == 0 {
		cfg.Generator.HTTP.Timeout = 10 * time.Minute
	}

	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.Dir == "" {
		cfg.Storage.Local.Dir = filepath.Join(cfg.Server.DataDir, common.ArtifactsDirName)
	}
	if strings.EqualFold(cfg.Storage.Backend, "s3") {
		s3 := &cfg.Storage.S3
		if s3.Region == "" {
			s3.Region = "auto"
		}
		if s3.Endpoint == "" && s3.AccountID != "" {
			s3.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", s3.AccountID)
		}
		s3.PublicBaseURL = strings.TrimRight(s3.PublicBaseURL, "/")
	}

	// Events defaults
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = common.ServiceName + ".jobs"
	}
	if cfg.Events.ClientName == "" {
		cfg.Events.ClientName = common.ServiceName
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Database.URL) == "" {
			return errors.New("database.url (or DATABASE_URL) is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", cfg.Database.Driver)
	}

	switch strings.ToLower(cfg.Generator.Provider) {
	case "mock":
	case "http":
		if strings.TrimSpace(cfg.Generator.HTTP.BaseURL) == "" {
			return errors.New("generator.http.baseUrl is required")
		}
	case "command":
		if strings.TrimSpace(cfg.Generator.Command.Path) == "" {
			return errors.New("generator.command.path is required")
		}
	default:
		return fmt.Errorf("unsupported generator.provider %q", cfg.Generator.Provider)
	}

	switch strings.ToLower(cfg.Storage.Backend) {
	case "local":
	case "s3":
		if strings.TrimSpace(cfg.Storage.S3.Bucket) == "" {
			return errors.New("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q", cfg.Storage.Backend)
	}

	switch strings.ToLower(cfg.Server.LogFormat) {
	case "text", "json", "tint":
	default:
		return fmt.Errorf("unsupported server.logFormat %q", cfg.Server.LogFormat)
	}
	return nil
}
