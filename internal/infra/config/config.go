package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/datallboy/nzbfetch/internal/domain"
	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Engine         EngineConfig         `mapstructure:"engine" yaml:"engine"`
	Download       DownloadConfig       `mapstructure:"download" yaml:"download"`
	PostProcessing PostProcessingConfig `mapstructure:"post_processing" yaml:"post_processing"`
	Log            LogConfig            `mapstructure:"log" yaml:"log"`
	Store          StoreConfig          `mapstructure:"store" yaml:"store"`
}

type ServerConfig struct {
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"password"`
	TLS           bool          `mapstructure:"tls" yaml:"tls"`
	VerifyCerts   bool          `mapstructure:"verify_certs" yaml:"verify_certs"`
	Connections   int           `mapstructure:"connections" yaml:"connections"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimitKbps int           `mapstructure:"rate_limit_kbps" yaml:"rate_limit_kbps"`
}

// EngineConfig bounds the scheduler. The memory budget is counted in
// segments; IOBufferSize only sizes the per-connection read buffer.
type EngineConfig struct {
	RetryAttempts       int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxSegmentsInMemory int           `mapstructure:"max_segments_in_memory" yaml:"max_segments_in_memory"`
	MaxConcurrentFiles  int           `mapstructure:"max_concurrent_files" yaml:"max_concurrent_files"`
	BatchSize           int           `mapstructure:"batch_size" yaml:"batch_size"`
	IOBufferSize        int           `mapstructure:"io_buffer_size" yaml:"io_buffer_size"`
}

type DownloadConfig struct {
	OutDir            string `mapstructure:"out_dir" yaml:"out_dir"`
	CreateSubfolders  bool   `mapstructure:"create_subfolders" yaml:"create_subfolders"`
	OverwriteExisting bool   `mapstructure:"overwrite_existing" yaml:"overwrite_existing"`
	KeepPartial       bool   `mapstructure:"keep_partial" yaml:"keep_partial"`
}

type PostProcessingConfig struct {
	AutoRepair                 bool     `mapstructure:"auto_repair" yaml:"auto_repair"`
	AutoExtract                bool     `mapstructure:"auto_extract" yaml:"auto_extract"`
	DeleteArchivesAfterExtract bool     `mapstructure:"delete_archives_after_extract" yaml:"delete_archives_after_extract"`
	DeletePar2AfterRepair      bool     `mapstructure:"delete_par2_after_repair" yaml:"delete_par2_after_repair"`
	CleanupExtensions          []string `mapstructure:"cleanup_extensions" yaml:"cleanup_extensions"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// Default returns a configuration with every default applied and no server.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 119)
	v.SetDefault("server.verify_certs", true)
	v.SetDefault("server.connections", 20)
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_delay", time.Second)
	v.SetDefault("engine.max_segments_in_memory", 100)
	v.SetDefault("engine.max_concurrent_files", 5)
	v.SetDefault("engine.batch_size", 0)
	v.SetDefault("engine.io_buffer_size", 4*1024*1024)
	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.create_subfolders", true)
	v.SetDefault("download.keep_partial", true)
	v.SetDefault("post_processing.auto_repair", true)
	v.SetDefault("post_processing.auto_extract", true)
	v.SetDefault("post_processing.cleanup_extensions", []string{"nzb", "sfv", "nfo"})
	v.SetDefault("log.path", "nzbfetch.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.sqlite_path", "./data/nzbfetch.db")
}

func Load(path string) (*Config, error) {

	if path == "" {
		path = "config.yaml"
	}

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// FALLBACK: inside a container the config is usually mounted at /config
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				path = "/config/config.yaml"
			} else if _, errEx := os.Stat("config.yaml.example"); errEx == nil {
				return nil, fmt.Errorf("%w: configuration file 'config.yaml' not found\n\n"+
					"To fix this, run:\n"+
					"  cp config.yaml.example config.yaml\n"+
					"Then edit it with your Usenet credentials.", domain.ErrConfig)
			} else {
				return nil, fmt.Errorf("%w: config file not found: %s", domain.ErrConfig, path)
			}
		} else {
			return nil, fmt.Errorf("%w: config file not found: %s", domain.ErrConfig, path)
		}
	}

	v := viper.New()
	setDefaults(v)

	// Read config File
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: error reading config file %s: %v", domain.ErrConfig, path, err)
	}

	// Support Environment Variables
	v.SetEnvPrefix("NZBFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings the engine depends on and fills in derived
// defaults. Every failure wraps domain.ErrConfig.
func (c *Config) Validate() error {
	s := &c.Server

	if s.Host == "" {
		return fmt.Errorf("%w: server host is required", domain.ErrConfig)
	}

	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", domain.ErrConfig, s.Port)
	}

	if s.TLS && s.Port == 119 {
		fmt.Println("Warning: TLS is enabled but port is set to 119 (standard non-TLS)")
	}

	if s.Connections <= 0 {
		return fmt.Errorf("%w: server connections must be positive, got %d", domain.ErrConfig, s.Connections)
	}

	if s.Timeout <= 0 {
		return fmt.Errorf("%w: server timeout must be positive", domain.ErrConfig)
	}

	e := &c.Engine

	if e.RetryAttempts <= 0 {
		return fmt.Errorf("%w: engine retry_attempts must be at least 1", domain.ErrConfig)
	}

	if e.RetryDelay < 0 {
		return fmt.Errorf("%w: engine retry_delay cannot be negative", domain.ErrConfig)
	}

	if e.MaxSegmentsInMemory <= 0 {
		return fmt.Errorf("%w: engine max_segments_in_memory must be positive", domain.ErrConfig)
	}

	if e.MaxConcurrentFiles <= 0 {
		return fmt.Errorf("%w: engine max_concurrent_files must be positive", domain.ErrConfig)
	}

	if e.BatchSize <= 0 {
		// One dispatch per connection per cycle
		e.BatchSize = s.Connections
	}

	if e.IOBufferSize <= 0 {
		e.IOBufferSize = 4 * 1024 * 1024
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}

	return nil
}
