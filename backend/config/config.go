package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application bootstrap configuration. Runtime
// scheduler tunables live in the database config store, not here.
type Config struct {
	Server struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Logging struct {
		Dir   string `yaml:"dir"`
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Executor struct {
		FFmpegPath string `yaml:"ffmpeg_path"`
		WorkDir    string `yaml:"work_dir"`
	} `yaml:"executor"`

	DropFolder struct {
		Enabled   bool   `yaml:"enabled"`
		Path      string `yaml:"path"`
		OutputDir string `yaml:"output_dir"`
	} `yaml:"drop_folder"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides; a
// missing file falls back to pure defaults
func LoadFromEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = &Config{}
		cfg.applyDefaults()
	} else if err != nil {
		return nil, err
	}

	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if logDir := os.Getenv("LOG_DIR"); logDir != "" {
		cfg.Logging.Dir = logDir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if ffmpeg := os.Getenv("FFMPEG_PATH"); ffmpeg != "" {
		cfg.Executor.FFmpegPath = ffmpeg
	}
	if dropDir := os.Getenv("DROP_FOLDER"); dropDir != "" {
		cfg.DropFolder.Enabled = true
		cfg.DropFolder.Path = dropDir
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "./data/mediabatch.db"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "./data/logs"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Executor.FFmpegPath == "" {
		c.Executor.FFmpegPath = "ffmpeg"
	}
	if c.DropFolder.OutputDir == "" {
		c.DropFolder.OutputDir = "./data/output"
	}
}
