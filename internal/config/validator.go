package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs validation of the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validateSession(&cfg.Session, result)
	validateGroups(&cfg.Groups, result)
	validateServices(cfg, result)

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	validatePort(n.Port, "network.port", result)

	if n.BindAddress != "" && net.ParseIP(n.BindAddress) == nil {
		result.AddError("network.bind_address",
			fmt.Sprintf("not an IP address: %s", n.BindAddress))
	}

	if n.MaxPlayers < 1 {
		result.AddError("network.max_players", "must allow at least 1 player")
	}
	if n.MaxPlayers > 255 {
		result.AddWarning("network.max_players",
			fmt.Sprintf("high player count (%d) increases per-tick broadcast cost", n.MaxPlayers))
	}

	if strings.TrimSpace(n.ServerName) == "" {
		result.AddError("network.server_name", "server name is required")
	}
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	if s.TickRateMS < 1 {
		result.AddError("session.tick_rate_ms", "tick rate must be at least 1ms")
	}
	if s.ActionDelayTicks < 1 {
		result.AddError("session.action_delay_ticks",
			"actions must be scheduled at least one tick ahead")
	}
	if s.ChecksumInterval < 1 {
		result.AddError("session.checksum_interval_ticks", "checksum interval must be at least 1")
	}
	if s.MaxAuthAttempts < 1 {
		result.AddError("session.max_auth_attempts", "must allow at least 1 attempt")
	}
	if s.MaxProtocolViolations < 1 {
		result.AddError("session.max_protocol_violations", "must be at least 1")
	}
	if s.ChunkSize < 1024 {
		result.AddError("session.chunk_size_bytes", "chunk size must be at least 1024 bytes")
	}
	if s.HistoryTicks < 1 {
		result.AddError("session.history_ticks", "history window must be at least 1 tick")
	}
	if s.ConnectionTimeoutMS <= s.PingIntervalMS {
		result.AddWarning("session.connection_timeout_ms",
			"connection timeout not larger than ping interval, idle clients will be dropped")
	}
	if s.ResyncAfterDesync && !s.StayConnectedAfterDesync {
		result.AddWarning("session.resync_after_desync",
			"has no effect unless stay_connected_after_desync is enabled")
	}
}

func validateGroups(g *GroupsConfig, result *ValidationResult) {
	switch g.Store {
	case "sqlite", "yaml":
	default:
		result.AddError("groups.store", fmt.Sprintf("unknown store %q (want sqlite or yaml)", g.Store))
	}
	if strings.TrimSpace(g.Path) == "" {
		result.AddError("groups.path", "group store path is required")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.Discovery.Enabled {
		validatePort(cfg.Discovery.Port, "discovery.port", result)
	}
	if cfg.WebSocket.Enabled {
		validatePort(cfg.WebSocket.Port, "websocket.port", result)
		if !strings.HasPrefix(cfg.WebSocket.Path, "/") {
			result.AddError("websocket.path", "path must start with /")
		}
	}
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.Token == "" {
			result.AddWarning("api.token", "admin API is enabled without a token")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}
	if cfg.Advertise.Enabled && strings.TrimSpace(cfg.Advertise.MasterServerURL) == "" {
		result.AddError("advertise.master_server_url", "master server URL is required when enabled")
	}
	if cfg.Journal.Enabled {
		if strings.TrimSpace(cfg.Journal.Directory) == "" {
			result.AddError("journal.directory", "journal directory is required when enabled")
		}
		if cfg.Journal.RetentionDays < 0 {
			result.AddError("journal.retention_days", "retention cannot be negative")
		}
		if _, err := time.Parse("15:04", cfg.Journal.CleanupTime); err != nil {
			result.AddWarning("journal.cleanup_time",
				fmt.Sprintf("invalid cleanup time %q, using 04:00", cfg.Journal.CleanupTime))
		}
	}
	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	ports := map[int]string{cfg.Network.Port: "game"}
	check := func(enabled bool, port int, name string) {
		if !enabled {
			return
		}
		if other, ok := ports[port]; ok {
			result.AddError(name+".port", fmt.Sprintf("port %d already used by %s", port, other))
			return
		}
		ports[port] = name
	}
	check(cfg.WebSocket.Enabled, cfg.WebSocket.Port, "websocket")
	check(cfg.API.Enabled, cfg.API.Port, "api")
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
