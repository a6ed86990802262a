package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

var (
	ErrInvalidBufferConfig        = errors.New("buffered amount low threshold must be less than max buffered amount")
	ErrInvalidPacketSize          = errors.New("packet size must be between 1 and 65535")
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseProjectID   = errors.New("Firebase project ID must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
	ErrInvalidPollInterval        = errors.New("signalling poll interval must be positive")
	ErrInvalidDiscoveryBackend    = errors.New("discovery backend must be one of none, redis, firebase")
	ErrInvalidRedisAddr           = errors.New("redis address must be set for the redis discovery backend")
	ErrInvalidTicketType          = errors.New("ticket type must be one of id, relay, addresses, relay-and-addresses")
	ErrInvalidTransfers           = errors.New("expected transfers must not be negative")
	ErrInvalidLogFormat           = errors.New("log format must be text or json")
	ErrNoTransport                = errors.New("either a listen address or the relay must be enabled")
)

const (
	DiscoveryNone     = "none"
	DiscoveryRedis    = "redis"
	DiscoveryFirebase = "firebase"
)

// Config holds all application configuration
type Config struct {
	Secret     string           `mapstructure:"secret"`
	Transport  TransportConfig  `mapstructure:"transport"`
	WebRTC     WebRTCConfig     `mapstructure:"webrtc"`
	Firebase   FirebaseConfig   `mapstructure:"firebase"`
	Signalling SignallingConfig `mapstructure:"signalling"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Send       SendConfig       `mapstructure:"send"`
	Receive    ReceiveConfig    `mapstructure:"receive"`
	Log        LogConfig        `mapstructure:"log"`
}

// TransportConfig holds the endpoint settings
type TransportConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	Relay            bool          `mapstructure:"relay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
}

// WebRTCConfig holds WebRTC-specific configuration
type WebRTCConfig struct {
	ICEURLs                    []string `mapstructure:"ice_urls"`
	BufferedAmountLowThreshold uint64   `mapstructure:"buffered_amount_low_threshold"`
	MaxBufferedAmount          uint64   `mapstructure:"max_buffered_amount"`
	PacketSize                 int      `mapstructure:"packet_size"`
	IncludeLoopback            bool     `mapstructure:"include_loopback"`
}

// ICEServers converts the configured URLs for pion
func (c WebRTCConfig) ICEServers() []webrtc.ICEServer {
	if len(c.ICEURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.ICEURLs}}
}

// FirebaseConfig holds Firebase client configuration
type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatabaseURL     string `mapstructure:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

// SignallingConfig controls offer/answer polling
type SignallingConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
}

// DiscoveryConfig selects the node directory
type DiscoveryConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// SendConfig holds send command defaults
type SendConfig struct {
	TicketType        string `mapstructure:"ticket_type"`
	ExpectedTransfers int    `mapstructure:"transfers"`
}

// ReceiveConfig holds receive command defaults
type ReceiveConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Destination    string        `mapstructure:"dst"`
	Interactive    bool          `mapstructure:"interactive"`
}

// LogConfig controls logrus output
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			ListenAddr:       "0.0.0.0:0",
			Relay:            false,
			HandshakeTimeout: 10 * time.Second,
			DialTimeout:      5 * time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEURLs:                    []string{"stun:stun.l.google.com:19302"},
			BufferedAmountLowThreshold: 512 * 1024,  // 512 KB
			MaxBufferedAmount:          1024 * 1024, // 1 MB
			PacketSize:                 16 * 1024,   // 16 KB messages
		},
		Signalling: SignallingConfig{
			PollInterval:  time.Second,
			AnswerTimeout: time.Minute,
		},
		Discovery: DiscoveryConfig{
			Backend: DiscoveryNone,
			TTL:     time.Hour,
		},
		Send: SendConfig{
			TicketType:        "relay-and-addresses",
			ExpectedTransfers: 0,
		},
		Receive: ReceiveConfig{
			ConnectTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load overlays values from v on the defaults. Nested keys use dots in files
// and underscores in environment variables, e.g. PEERDROP_TRANSPORT_RELAY.
func Load(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig()
	setDefaults(v, cfg)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("secret", cfg.Secret)
	v.SetDefault("transport.listen_addr", cfg.Transport.ListenAddr)
	v.SetDefault("transport.relay", cfg.Transport.Relay)
	v.SetDefault("transport.handshake_timeout", cfg.Transport.HandshakeTimeout)
	v.SetDefault("transport.dial_timeout", cfg.Transport.DialTimeout)
	v.SetDefault("webrtc.ice_urls", cfg.WebRTC.ICEURLs)
	v.SetDefault("webrtc.buffered_amount_low_threshold", cfg.WebRTC.BufferedAmountLowThreshold)
	v.SetDefault("webrtc.max_buffered_amount", cfg.WebRTC.MaxBufferedAmount)
	v.SetDefault("webrtc.packet_size", cfg.WebRTC.PacketSize)
	v.SetDefault("webrtc.include_loopback", cfg.WebRTC.IncludeLoopback)
	v.SetDefault("firebase.project_id", cfg.Firebase.ProjectID)
	v.SetDefault("firebase.database_url", cfg.Firebase.DatabaseURL)
	v.SetDefault("firebase.credentials_path", cfg.Firebase.CredentialsPath)
	v.SetDefault("signalling.poll_interval", cfg.Signalling.PollInterval)
	v.SetDefault("signalling.answer_timeout", cfg.Signalling.AnswerTimeout)
	v.SetDefault("discovery.backend", cfg.Discovery.Backend)
	v.SetDefault("discovery.redis_addr", cfg.Discovery.RedisAddr)
	v.SetDefault("discovery.redis_password", cfg.Discovery.RedisPassword)
	v.SetDefault("discovery.redis_db", cfg.Discovery.RedisDB)
	v.SetDefault("discovery.ttl", cfg.Discovery.TTL)
	v.SetDefault("send.ticket_type", cfg.Send.TicketType)
	v.SetDefault("send.transfers", cfg.Send.ExpectedTransfers)
	v.SetDefault("receive.connect_timeout", cfg.Receive.ConnectTimeout)
	v.SetDefault("receive.dst", cfg.Receive.Destination)
	v.SetDefault("receive.interactive", cfg.Receive.Interactive)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

// NewViper returns a viper instance wired for PEERDROP_ environment variables
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PEERDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FirebaseEnabled reports whether any Firebase backed component is in use
func (c *Config) FirebaseEnabled() bool {
	return c.Transport.Relay || c.Discovery.Backend == DiscoveryFirebase
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.WebRTC.BufferedAmountLowThreshold >= c.WebRTC.MaxBufferedAmount {
		return ErrInvalidBufferConfig
	}
	if c.WebRTC.PacketSize <= 0 || c.WebRTC.PacketSize > 65535 {
		return ErrInvalidPacketSize
	}
	if c.Signalling.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if c.Transport.ListenAddr == "" && !c.Transport.Relay {
		return ErrNoTransport
	}

	if c.FirebaseEnabled() {
		if c.Firebase.CredentialsPath == "" {
			return ErrInvalidFirebaseConfig
		}
		if c.Firebase.ProjectID == "" {
			return ErrInvalidFirebaseProjectID
		}
		if c.Firebase.DatabaseURL == "" {
			return ErrInvalidFirebaseDatabaseURL
		}
	}

	switch c.Discovery.Backend {
	case DiscoveryNone, DiscoveryFirebase:
	case DiscoveryRedis:
		if c.Discovery.RedisAddr == "" {
			return ErrInvalidRedisAddr
		}
	default:
		return ErrInvalidDiscoveryBackend
	}

	switch c.Send.TicketType {
	case "id", "relay", "addresses", "relay-and-addresses":
	default:
		return ErrInvalidTicketType
	}
	if c.Send.ExpectedTransfers < 0 {
		return ErrInvalidTransfers
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return ErrInvalidLogFormat
	}
	return nil
}
