// Package config provides configuration management for cortexlive
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Answer submission strategies.
const (
	AnswerModeJoin = "join" // JSON join-session call
	AnswerModeForm = "form" // form-encoded heygen start call
)

// Config holds all application configuration
type Config struct {
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Avatar  AvatarConfig  `mapstructure:"avatar" yaml:"avatar"`
	RTC     RTCConfig     `mapstructure:"rtc" yaml:"rtc"`
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Render  RenderConfig  `mapstructure:"render" yaml:"render"`
	Control ControlConfig `mapstructure:"control" yaml:"control"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// BackendConfig configures the session backend
type BackendConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"` // 0 = no client timeout
	AnswerMode string        `mapstructure:"answer_mode" yaml:"answer_mode"`
}

// AvatarConfig holds the default avatar parameters for create-session
type AvatarConfig struct {
	AvatarID string `mapstructure:"avatar_id" yaml:"avatar_id"`
	VoiceID  string `mapstructure:"voice_id" yaml:"voice_id"`
	PoseName string `mapstructure:"pose_name" yaml:"pose_name"`
}

// RTCConfig configures the media transport
type RTCConfig struct {
	FallbackICEServers []string `mapstructure:"fallback_ice_servers" yaml:"fallback_ice_servers"`
}

// CaptureConfig configures microphone capture
type CaptureConfig struct {
	DeviceID      string        `mapstructure:"device_id" yaml:"device_id"`
	ChunkInterval time.Duration `mapstructure:"chunk_interval" yaml:"chunk_interval"`
	SampleRate    int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels      int           `mapstructure:"channels" yaml:"channels"`
}

// RenderConfig configures where received media is recorded. Empty paths
// discard packets after the audio gate.
type RenderConfig struct {
	AudioPath string `mapstructure:"audio_path" yaml:"audio_path"`
	VideoPath string `mapstructure:"video_path" yaml:"video_path"`
}

// ControlConfig configures the local operator control surface
type ControlConfig struct {
	ListenAddr     string `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowAnyOrigin bool   `mapstructure:"allow_any_origin" yaml:"allow_any_origin"`
}

// LoggingConfig configures local and diagnostic logging
type LoggingConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	Level       string `mapstructure:"level" yaml:"level"`
	Console     bool   `mapstructure:"console" yaml:"console"`
	Remote      bool   `mapstructure:"remote" yaml:"remote"` // ship to <base_url>/api/log
	RemoteLevel string `mapstructure:"remote_level" yaml:"remote_level"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Backend: BackendConfig{
			BaseURL:    "http://localhost:8000",
			AnswerMode: AnswerModeForm,
		},
		Avatar: AvatarConfig{
			AvatarID: "June_HR_public",
			VoiceID:  "68dedac41a9f46a6a4271a95c733823c",
			PoseName: "June HR",
		},
		RTC: RTCConfig{
			FallbackICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Capture: CaptureConfig{
			ChunkInterval: 4 * time.Second,
			SampleRate:    16000,
			Channels:      1,
		},
		Control: ControlConfig{
			ListenAddr: "127.0.0.1:8765",
		},
		Logging: LoggingConfig{
			Dir:         filepath.Join(home, ".cortexlive", "logs"),
			Level:       "debug",
			Console:     true,
			Remote:      true,
			RemoteLevel: "info",
		},
	}
}

// Validate checks values the rest of the program relies on
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	switch c.Backend.AnswerMode {
	case AnswerModeJoin, AnswerModeForm:
	default:
		return fmt.Errorf("backend.answer_mode must be %q or %q, got %q", AnswerModeJoin, AnswerModeForm, c.Backend.AnswerMode)
	}
	if c.Capture.ChunkInterval <= 0 {
		return fmt.Errorf("capture.chunk_interval must be positive")
	}
	if c.Capture.SampleRate <= 0 || c.Capture.Channels <= 0 {
		return fmt.Errorf("capture.sample_rate and capture.channels must be positive")
	}
	return nil
}

// Loader reads configuration through a dedicated viper instance.
type Loader struct {
	v    *viper.Viper
	mu   sync.Mutex
	path string
}

// NewLoader creates a loader. An empty path searches ~/.cortexlive and the
// working directory for config.yaml.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("CORTEXLIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}
	return &Loader{v: v, path: path}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backend.base_url", cfg.Backend.BaseURL)
	v.SetDefault("backend.timeout", cfg.Backend.Timeout)
	v.SetDefault("backend.answer_mode", cfg.Backend.AnswerMode)
	v.SetDefault("avatar.avatar_id", cfg.Avatar.AvatarID)
	v.SetDefault("avatar.voice_id", cfg.Avatar.VoiceID)
	v.SetDefault("avatar.pose_name", cfg.Avatar.PoseName)
	v.SetDefault("rtc.fallback_ice_servers", cfg.RTC.FallbackICEServers)
	v.SetDefault("capture.device_id", cfg.Capture.DeviceID)
	v.SetDefault("capture.chunk_interval", cfg.Capture.ChunkInterval)
	v.SetDefault("capture.sample_rate", cfg.Capture.SampleRate)
	v.SetDefault("capture.channels", cfg.Capture.Channels)
	v.SetDefault("render.audio_path", cfg.Render.AudioPath)
	v.SetDefault("render.video_path", cfg.Render.VideoPath)
	v.SetDefault("control.listen_addr", cfg.Control.ListenAddr)
	v.SetDefault("control.allow_any_origin", cfg.Control.AllowAnyOrigin)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.remote", cfg.Logging.Remote)
	v.SetDefault("logging.remote_level", cfg.Logging.RemoteLevel)
}

// Load reads configuration from file and environment. A missing config
// file is not an error.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case l.path != "" && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFile returns the file in use, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch re-reads the config file whenever it changes and hands the decoded
// result to fn. Invalid edits are reported through onErr and ignored.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Save writes the configuration as YAML to path.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	v := viper.New()
	v.Set("backend", cfg.Backend)
	v.Set("avatar", cfg.Avatar)
	v.Set("rtc", cfg.RTC)
	v.Set("capture", cfg.Capture)
	v.Set("render", cfg.Render)
	v.Set("control", cfg.Control)
	v.Set("logging", cfg.Logging)
	v.SetConfigType("yaml")
	return v.WriteConfigAs(path)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".cortexlive"), nil
}
