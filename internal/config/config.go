// Package config provides configuration management for streamcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/thomasbambino/streamcore/internal/urlutil"
	"github.com/thomasbambino/streamcore/pkg/duration"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultTokenLength         = 32
	defaultStaleThreshold      = 60 * time.Second
	defaultReapInterval        = 30 * time.Second
	defaultSegmentDuration     = 4
	defaultPlaylistSize        = 6
	defaultPlaylistFreshness   = 30 * time.Second
	defaultReadyTimeout        = 15 * time.Second
	defaultReadyPollInterval   = 250 * time.Millisecond
	defaultWorkerIdleTimeout   = 5 * time.Minute
	defaultWorkerSweepInterval = time.Minute
	defaultStopGracePeriod     = 3 * time.Second
	defaultEPGTimeout          = 10 * time.Second
	defaultEPGRefreshInterval  = time.Hour
	defaultEPGMaxResponseSize  = 100 * 1024 * 1024 // 100MB
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Transcoder TranscoderConfig `mapstructure:"transcoder"`
	EPG        EPGConfig        `mapstructure:"epg"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the host:port address the server binds to.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the GORM driver and sizes its connection pool.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig locates the directories the server may write.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	OutputDir string `mapstructure:"output_dir"` // HLS output, relative to base_dir
}

// LoggingConfig shapes the slog output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// SessionsConfig holds capacity-ledger configuration.
type SessionsConfig struct {
	// TokenLength is the number of random bytes per session token
	// (hex-encoded, so the token string is twice this length).
	TokenLength int `mapstructure:"token_length"`
	// StaleThreshold is the heartbeat age past which a session is reaped.
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	// ReapInterval is how often the background sweep runs.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// TranscoderConfig holds transcode-supervisor configuration.
type TranscoderConfig struct {
	FFmpegPath        string        `mapstructure:"ffmpeg_path"` // empty = look up on PATH
	VideoCodec        string        `mapstructure:"video_codec"`
	AudioCodec        string        `mapstructure:"audio_codec"`
	SegmentDuration   int           `mapstructure:"segment_duration"` // seconds
	PlaylistSize      int           `mapstructure:"playlist_size"`    // rolling segment count
	PlaylistFreshness time.Duration `mapstructure:"playlist_freshness"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	ReadyPollInterval time.Duration `mapstructure:"ready_poll_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	StopGracePeriod   time.Duration `mapstructure:"stop_grace_period"`
}

// EPGConfig holds program-guide provider configuration.
type EPGConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	XMLTVURL        string        `mapstructure:"xmltv_url" masq:"secret"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	// MaxResponseSize bounds the guide download. Supports human-readable
	// values like "50MB" or raw byte counts.
	MaxResponseSize ByteSize `mapstructure:"max_response_size"`
}

// SourceConfig describes one upstream provider account the ledger meters.
type SourceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	// MaxConnections caps concurrent sessions against this source.
	// Zero means unbounded.
	MaxConnections int `mapstructure:"max_connections"`
}

// Load reads configuration from a file, the environment, and defaults,
// in rising precedence. Environment variables are prefixed with
// STREAMCORE_ and use underscores for nesting: STREAMCORE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/streamcore")
		v.AddConfigPath("$HOME/.streamcore")
	}

	v.SetEnvPrefix("STREAMCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine; defaults plus the environment carry
	// a full configuration. Any other read error is fatal.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// The extra hooks let ByteSize fields accept human-readable values
	// like "50MB" and duration fields accept extended units like "30d".
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// stringToDurationHookFunc decodes duration strings with pkg/duration, so
// config files may use day and week units ("30d", "2w") that
// time.ParseDuration rejects. Standard forms parse unchanged.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != durationType {
			return data, nil
		}
		return duration.Parse(data.(string))
	}
}

// SetDefaults installs the default for every key. Called before the
// config file is read so file and environment values override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "streamcore.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.output_dir", "hls")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("sessions.token_length", defaultTokenLength)
	v.SetDefault("sessions.stale_threshold", defaultStaleThreshold)
	v.SetDefault("sessions.reap_interval", defaultReapInterval)

	v.SetDefault("transcoder.ffmpeg_path", "")
	v.SetDefault("transcoder.video_codec", "copy")
	v.SetDefault("transcoder.audio_codec", "aac")
	v.SetDefault("transcoder.segment_duration", defaultSegmentDuration)
	v.SetDefault("transcoder.playlist_size", defaultPlaylistSize)
	v.SetDefault("transcoder.playlist_freshness", defaultPlaylistFreshness)
	v.SetDefault("transcoder.ready_timeout", defaultReadyTimeout)
	v.SetDefault("transcoder.ready_poll_interval", defaultReadyPollInterval)
	v.SetDefault("transcoder.idle_timeout", defaultWorkerIdleTimeout)
	v.SetDefault("transcoder.sweep_interval", defaultWorkerSweepInterval)
	v.SetDefault("transcoder.stop_grace_period", defaultStopGracePeriod)

	v.SetDefault("epg.enabled", false)
	v.SetDefault("epg.xmltv_url", "")
	v.SetDefault("epg.timeout", defaultEPGTimeout)
	v.SetDefault("epg.refresh_interval", defaultEPGRefreshInterval)
	v.SetDefault("epg.max_response_size", defaultEPGMaxResponseSize)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Sessions.TokenLength < 16 {
		return fmt.Errorf("sessions.token_length must be at least 16")
	}
	if c.Sessions.StaleThreshold <= 0 {
		return fmt.Errorf("sessions.stale_threshold must be positive")
	}
	if c.Sessions.ReapInterval <= 0 {
		return fmt.Errorf("sessions.reap_interval must be positive")
	}

	if c.Transcoder.SegmentDuration < 1 {
		return fmt.Errorf("transcoder.segment_duration must be at least 1 second")
	}
	if c.Transcoder.PlaylistSize < 2 {
		return fmt.Errorf("transcoder.playlist_size must be at least 2")
	}
	if c.Transcoder.ReadyTimeout <= 0 {
		return fmt.Errorf("transcoder.ready_timeout must be positive")
	}
	if c.Transcoder.ReadyPollInterval <= 0 {
		return fmt.Errorf("transcoder.ready_poll_interval must be positive")
	}
	if c.Transcoder.IdleTimeout <= 0 {
		return fmt.Errorf("transcoder.idle_timeout must be positive")
	}

	if c.EPG.Enabled {
		if c.EPG.XMLTVURL == "" {
			return fmt.Errorf("epg.xmltv_url is required when epg.enabled is true")
		}
		if err := urlutil.ValidateURL(c.EPG.XMLTVURL); err != nil {
			return fmt.Errorf("epg.xmltv_url: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, src.ID)
		}
		seen[src.ID] = true
		if src.MaxConnections < 0 {
			return fmt.Errorf("sources[%d].max_connections must not be negative", i)
		}
	}

	return nil
}
