// Package config handles configuration loading, validation, and persistence
// for parknet servers and clients.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "parknet.json"
	DefaultGamePort      = 11753
	DefaultDiscoveryPort = 11754
	DefaultWebSocketPort = 11755
	DefaultAPIPort       = 11780
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Network   NetworkConfig   `json:"network"`
	Session   SessionConfig   `json:"session"`
	Groups    GroupsConfig    `json:"groups"`
	Journal   JournalConfig   `json:"journal"`
	Discovery DiscoveryConfig `json:"discovery"`
	Advertise AdvertiseConfig `json:"advertise"`
	WebSocket WebSocketConfig `json:"websocket"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Logging   LoggingConfig   `json:"logging"`
	Client    ClientConfig    `json:"client"`
}

// NetworkConfig describes the listening endpoint and the identity the server
// presents to clients.
type NetworkConfig struct {
	BindAddress     string `json:"bind_address"`
	Port            int    `json:"port"`
	Password        string `json:"password"`
	MaxPlayers      int    `json:"max_players"`
	ServerName      string `json:"server_name"`
	Description     string `json:"description"`
	Greeting        string `json:"greeting"`
	ProviderName    string `json:"provider_name"`
	ProviderEmail   string `json:"provider_email"`
	ProviderWebsite string `json:"provider_website"`
}

// SessionConfig holds lockstep timing and recovery settings.
type SessionConfig struct {
	TickRateMS               int  `json:"tick_rate_ms"`
	ActionDelayTicks         int  `json:"action_delay_ticks"`
	ChecksumInterval         int  `json:"checksum_interval_ticks"`
	PingIntervalMS           int  `json:"ping_interval_ms"`
	PingListIntervalMS       int  `json:"ping_list_interval_ms"`
	HeartbeatIntervalMS      int  `json:"heartbeat_interval_ms"`
	ConnectionTimeoutMS      int  `json:"connection_timeout_ms"`
	AuthTimeoutMS            int  `json:"auth_timeout_ms"`
	ActionTimeoutMS          int  `json:"action_timeout_ms"`
	MaxAuthAttempts          int  `json:"max_auth_attempts"`
	MaxProtocolViolations    int  `json:"max_protocol_violations"`
	StayConnectedAfterDesync bool `json:"stay_connected_after_desync"`
	ResyncAfterDesync        bool `json:"resync_after_desync"`
	ReconnectCooldownMS      int  `json:"reconnect_cooldown_ms"`
	AutoReconnect            bool `json:"auto_reconnect"`
	MaxReconnectAttempts     int  `json:"max_reconnect_attempts"`
	ChatRatePerSec           int  `json:"chat_rate_per_sec"`
	ChatBurst                int  `json:"chat_burst"`
	HistoryTicks             int  `json:"history_ticks"`
	ChunkSize                int  `json:"chunk_size_bytes"`

	WorldSeed uint64 `json:"world_seed"`
}

// GroupsConfig selects where permission groups and key hash assignments live.
type GroupsConfig struct {
	Store string `json:"store"` // "sqlite" or "yaml"
	Path  string `json:"path"`
}

// JournalConfig controls the compressed chat and server action logs.
type JournalConfig struct {
	Enabled          bool   `json:"enabled"`
	Directory        string `json:"directory"`
	LogChat          bool   `json:"log_chat"`
	LogServerActions bool   `json:"log_server_actions"`
	RetentionDays    int    `json:"retention_days"`
	CleanupTime      string `json:"cleanup_time"` // "HH:MM", local time
}

// DiscoveryConfig controls LAN advertisement over UDP broadcast.
type DiscoveryConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// AdvertiseConfig controls registration with a public master server.
type AdvertiseConfig struct {
	Enabled           bool   `json:"enabled"`
	MasterServerURL   string `json:"master_server_url"`
	HeartbeatInterval int    `json:"heartbeat_interval_sec"`
}

// WebSocketConfig enables an additional WebSocket listener for browser clients.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// APIConfig holds admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
	Topic     string `json:"topic"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Console    bool   `json:"console"`
}

// ClientConfig holds settings used when running as a client.
type ClientConfig struct {
	PlayerName string `json:"player_name"`
	KeyFile    string `json:"key_file"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Password   string `json:"password"`
}

// DefaultSessionConfig returns the lockstep defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TickRateMS:            25,
		ActionDelayTicks:      2,
		ChecksumInterval:      10,
		PingIntervalMS:        3000,
		PingListIntervalMS:    5000,
		HeartbeatIntervalMS:   1000,
		ConnectionTimeoutMS:   20000,
		AuthTimeoutMS:         10000,
		ActionTimeoutMS:       10000,
		MaxAuthAttempts:       3,
		MaxProtocolViolations: 10,
		ReconnectCooldownMS:   5000,
		AutoReconnect:         true,
		MaxReconnectAttempts:  5,
		ChatRatePerSec:        2,
		ChatBurst:             5,
		HistoryTicks:          256,
		ChunkSize:             64 * 1024,
		WorldSeed:             0x5eed,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			BindAddress: "",
			Port:        DefaultGamePort,
			MaxPlayers:  16,
			ServerName:  "parknet server",
			Greeting:    "Welcome!",
		},
		Session: DefaultSessionConfig(),
		Groups: GroupsConfig{
			Store: "sqlite",
			Path:  "data/groups.db",
		},
		Journal: JournalConfig{
			Enabled:          true,
			Directory:        "logs/journal",
			LogChat:          true,
			LogServerActions: true,
			RetentionDays:    30,
			CleanupTime:      "04:00",
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Port:    DefaultDiscoveryPort,
		},
		Advertise: AdvertiseConfig{
			HeartbeatInterval: 60,
		},
		WebSocket: WebSocketConfig{
			Port: DefaultWebSocketPort,
			Path: "/play",
		},
		API: APIConfig{
			Port:         DefaultAPIPort,
			RateLimitRPS: 20,
		},
		MQTT: MQTTConfig{
			Port:  1883,
			Topic: "parknet",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Console:    true,
		},
		Client: ClientConfig{
			PlayerName: "Player",
			KeyFile:    "keys/player.pem",
			Port:       DefaultGamePort,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults when
// missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no path")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network section.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// SetNetwork replaces the network section.
func (c *Config) SetNetwork(n NetworkConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Network = n
}

// GetSession returns a copy of the session section.
func (c *Config) GetSession() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (s SessionConfig) TickRate() time.Duration          { return ms(s.TickRateMS) }
func (s SessionConfig) PingInterval() time.Duration      { return ms(s.PingIntervalMS) }
func (s SessionConfig) PingListInterval() time.Duration  { return ms(s.PingListIntervalMS) }
func (s SessionConfig) HeartbeatInterval() time.Duration { return ms(s.HeartbeatIntervalMS) }
func (s SessionConfig) ConnectionTimeout() time.Duration { return ms(s.ConnectionTimeoutMS) }
func (s SessionConfig) AuthTimeout() time.Duration       { return ms(s.AuthTimeoutMS) }
func (s SessionConfig) ActionTimeout() time.Duration     { return ms(s.ActionTimeoutMS) }
func (s SessionConfig) ReconnectCooldown() time.Duration { return ms(s.ReconnectCooldownMS) }
