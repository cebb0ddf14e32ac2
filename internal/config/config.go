package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all application configuration
type Config struct {
	RoomAPIURL   string `yaml:"room_api_url" env:"ROOMCALL_ROOM_API_URL"`
	SignalingURL string `yaml:"signaling_url" env:"ROOMCALL_SIGNALING_URL"`
	UserID       string `yaml:"user_id" env:"ROOMCALL_USER_ID"`
	UserName     string `yaml:"user_name" env:"ROOMCALL_USER_NAME"`
	MetricsAddr  string `yaml:"metrics_addr" env:"ROOMCALL_METRICS_ADDR"`

	Log       LogConfig       `yaml:"log"`
	ICE       ICEConfig       `yaml:"ice"`
	Signaling SignalingConfig `yaml:"signaling"`
	Health    HealthConfig    `yaml:"health"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Media     MediaConfig     `yaml:"media"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"ROOMCALL_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"ROOMCALL_LOG_DEVELOPMENT"`
}

// ICEServer mirrors iceservers.Server so the config package stays a leaf.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type ICEConfig struct {
	// FallbackServers are used when the room API returns nothing usable.
	FallbackServers []ICEServer   `yaml:"fallback_servers"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" env:"ROOMCALL_ICE_FETCH_TIMEOUT"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout" env:"ROOMCALL_ICE_PROBE_TIMEOUT"`
}

type SignalingConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout" env:"ROOMCALL_SIGNALING_WRITE_TIMEOUT"`
	PongWait     time.Duration `yaml:"pong_wait" env:"ROOMCALL_SIGNALING_PONG_WAIT"`
	PingInterval time.Duration `yaml:"ping_interval" env:"ROOMCALL_SIGNALING_PING_INTERVAL"`
	SendBuffer   int           `yaml:"send_buffer" env:"ROOMCALL_SIGNALING_SEND_BUFFER"`
}

type HealthConfig struct {
	Interval          time.Duration `yaml:"interval" env:"ROOMCALL_HEALTH_INTERVAL"`
	PeerRecoveryDelay time.Duration `yaml:"peer_recovery_delay" env:"ROOMCALL_HEALTH_PEER_RECOVERY_DELAY"`
	PeerRecoveryLimit int           `yaml:"peer_recovery_limit" env:"ROOMCALL_HEALTH_PEER_RECOVERY_LIMIT"`
	QualityHistory    int           `yaml:"quality_history" env:"ROOMCALL_HEALTH_QUALITY_HISTORY"`
}

type ReconnectConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay" env:"ROOMCALL_RECONNECT_BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"ROOMCALL_RECONNECT_MAX_DELAY"`
	MaxAttempts    int           `yaml:"max_attempts" env:"ROOMCALL_RECONNECT_MAX_ATTEMPTS"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" env:"ROOMCALL_RECONNECT_CONFIRM_TIMEOUT"`
}

type MediaConfig struct {
	Audio       bool   `yaml:"audio" env:"ROOMCALL_MEDIA_AUDIO"`
	Video       bool   `yaml:"video" env:"ROOMCALL_MEDIA_VIDEO"`
	Synthetic   bool   `yaml:"synthetic" env:"ROOMCALL_MEDIA_SYNTHETIC"`
	AudioDevice string `yaml:"audio_device" env:"ROOMCALL_MEDIA_AUDIO_DEVICE"`
	VideoDevice string `yaml:"video_device" env:"ROOMCALL_MEDIA_VIDEO_DEVICE"`
	Width       int    `yaml:"width" env:"ROOMCALL_MEDIA_WIDTH"`
	Height      int    `yaml:"height" env:"ROOMCALL_MEDIA_HEIGHT"`
	FrameRate   int    `yaml:"frame_rate" env:"ROOMCALL_MEDIA_FRAME_RATE"`
}

// DefaultFallbackICEServers are public servers used when nothing else is known.
func DefaultFallbackICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.cloudflare.com:3478"}},
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{
			URLs: []string{
				"turn:openrelay.metered.ca:80",
				"turn:openrelay.metered.ca:443",
			},
			Username:   "openrelayproject",
			Credential: "openrelayproject",
		},
	}
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		RoomAPIURL:   "http://localhost:8787/api/v1/room",
		SignalingURL: "ws://localhost:8787/api/v1/room",
		MetricsAddr:  ":9464",
		Log: LogConfig{
			Level: "info",
		},
		ICE: ICEConfig{
			FallbackServers: DefaultFallbackICEServers(),
			FetchTimeout:    5 * time.Second,
			ProbeTimeout:    3 * time.Second,
		},
		Signaling: SignalingConfig{
			WriteTimeout: 10 * time.Second,
			PongWait:     60 * time.Second,
			PingInterval: 54 * time.Second,
			SendBuffer:   64,
		},
		Health: HealthConfig{
			Interval:          2 * time.Second,
			PeerRecoveryDelay: 1 * time.Second,
			PeerRecoveryLimit: 3,
			QualityHistory:    150,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:      1 * time.Second,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    5,
			ConfirmTimeout: 5 * time.Second,
		},
		Media: MediaConfig{
			Audio:     true,
			Video:     true,
			Width:     640,
			Height:    480,
			FrameRate: 30,
		},
	}
}

// Load starts from NewDefaultConfig, overlays the YAML file at path (if any)
// and then the environment.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateConfig checks the fields the session cannot run without.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}

	var errs []error
	if _, err := url.Parse(cfg.RoomAPIURL); err != nil || cfg.RoomAPIURL == "" {
		errs = append(errs, fmt.Errorf("room_api_url %q is not a valid URL", cfg.RoomAPIURL))
	}
	if u, err := url.Parse(cfg.SignalingURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("signaling_url %q must be a ws:// or wss:// URL", cfg.SignalingURL))
	}
	if cfg.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if cfg.Health.PeerRecoveryLimit < 0 {
		errs = append(errs, errors.New("health.peer_recovery_limit cannot be negative"))
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		errs = append(errs, errors.New("reconnect.max_delay must not be smaller than reconnect.base_delay"))
	}
	if cfg.Reconnect.MaxAttempts < 1 {
		errs = append(errs, errors.New("reconnect.max_attempts must be at least 1"))
	}
	if cfg.Reconnect.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("reconnect.confirm_timeout must be positive"))
	}
	if cfg.Signaling.PingInterval >= cfg.Signaling.PongWait {
		errs = append(errs, errors.New("signaling.ping_interval must be shorter than signaling.pong_wait"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
