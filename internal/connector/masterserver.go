// Package connector registers a parknet server with a public master server
// and keeps the listing alive with heartbeats.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parknet-project/parknet/internal/config"
	"github.com/parknet-project/parknet/internal/protocol"
	"github.com/parknet-project/parknet/internal/util"
)

const (
	serversPath       = "/servers"
	userAgent         = "parknet/%s"
	registerRetry     = 30 * time.Second
	registerMaxRetry  = 5
	defaultHeartbeat  = 60 * time.Second
	maxResponseLength = 64 * 1024
)

// Status codes carried in master server replies.
const (
	statusOK           = 200
	statusInvalidToken = 401
	statusUnreachable  = 500
)

// ErrInvalidToken means the master server forgot this listing.
var ErrInvalidToken = errors.New("master server token rejected")

// ListingSource produces the current public view of the server.
type ListingSource func(ctx context.Context) (protocol.GameInfo, error)

type registerRequest struct {
	Key  string `json:"key"`
	Port int    `json:"port"`
}

type heartbeatRequest struct {
	Token    string            `json:"token"`
	Players  int               `json:"players"`
	GameInfo protocol.GameInfo `json:"gameInfo"`
}

type masterReply struct {
	Status  int    `json:"status"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// MasterServerConnector advertises the server on a master server list.
// It registers with a per-process key, then sends heartbeats carrying the
// current GAMEINFO. A rejected token triggers a fresh registration.
type MasterServerConnector struct {
	mu sync.RWMutex

	cfg    config.AdvertiseConfig
	port   int
	source ListingSource
	client *http.Client
	logger zerolog.Logger

	key           string
	token         string
	lastHeartbeat time.Time
	retryDelay    time.Duration
}

// NewMasterServerConnector creates a connector advertising the game port.
func NewMasterServerConnector(cfg config.AdvertiseConfig, port int, source ListingSource) *MasterServerConnector {
	return &MasterServerConnector{
		cfg:    cfg,
		port:   port,
		source: source,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		logger:     util.ComponentLogger("master_server"),
		key:        uuid.NewString(),
		retryDelay: registerRetry,
	}
}

// ManageConnection registers and heartbeats until ctx is cancelled.
func (c *MasterServerConnector) ManageConnection(ctx context.Context) error {
	c.logger.Info().Str("url", c.baseURL()).Msg("advertising on master server")

	interval := time.Duration(c.cfg.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = defaultHeartbeat
	}

	retries := 0
	for {
		if err := c.register(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retries++
			if retries >= registerMaxRetry {
				return fmt.Errorf("master server registration failed after %d retries: %w",
					registerMaxRetry, err)
			}
			c.logger.Warn().Err(err).Int("retry", retries).Msg("registration failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}
		retries = 0
		c.logger.Info().Msg("registered with master server")

		if err := c.heartbeatLoop(ctx, interval); err != nil {
			c.logger.Warn().Err(err).Msg("listing lost, registering again")
			continue
		}
		return nil
	}
}

// heartbeatLoop returns nil when ctx ends and ErrInvalidToken when the
// listing has to be recreated.
func (c *MasterServerConnector) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := c.Heartbeat(ctx)
			if errors.Is(err, ErrInvalidToken) {
				return err
			}
			if err != nil && ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (c *MasterServerConnector) register(ctx context.Context) error {
	reply, err := c.send(ctx, http.MethodPost, registerRequest{Key: c.key, Port: c.port})
	if err != nil {
		return err
	}
	switch reply.Status {
	case statusOK:
	case statusUnreachable:
		return fmt.Errorf("master server cannot reach port %d: %s", c.port, reply.Message)
	default:
		return fmt.Errorf("registration refused (%d): %s", reply.Status, reply.Message)
	}
	if reply.Token == "" {
		return fmt.Errorf("registration reply has no token")
	}

	c.mu.Lock()
	c.token = reply.Token
	c.mu.Unlock()
	return nil
}

// Heartbeat sends the current listing once.
func (c *MasterServerConnector) Heartbeat(ctx context.Context) error {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return ErrInvalidToken
	}

	info, err := c.source(ctx)
	if err != nil {
		return fmt.Errorf("failed to read listing: %w", err)
	}

	reply, err := c.send(ctx, http.MethodPut, heartbeatRequest{Token: token, Players: info.Players, GameInfo: info})
	if err != nil {
		return err
	}
	switch reply.Status {
	case statusOK:
		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()
		return nil
	case statusInvalidToken:
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return ErrInvalidToken
	default:
		return fmt.Errorf("heartbeat refused (%d): %s", reply.Status, reply.Message)
	}
}

func (c *MasterServerConnector) send(ctx context.Context, method string, body interface{}) (masterReply, error) {
	var reply masterReply
	data, err := json.Marshal(body)
	if err != nil {
		return reply, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+serversPath, bytes.NewReader(data))
	if err != nil {
		return reply, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, protocol.NetworkVersion))

	resp, err := c.client.Do(req)
	if err != nil {
		return reply, fmt.Errorf("master server request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseLength))
	if err != nil {
		return reply, fmt.Errorf("failed to read master server reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return reply, fmt.Errorf("master server returned status %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return reply, fmt.Errorf("failed to parse master server reply: %w", err)
	}
	return reply, nil
}

// IsRegistered reports whether the connector holds a listing token.
func (c *MasterServerConnector) IsRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// LastHeartbeat returns when the last heartbeat was accepted.
func (c *MasterServerConnector) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// baseURL returns the configured master server URL with a scheme and
// without a trailing slash.
func (c *MasterServerConnector) baseURL() string {
	url := c.cfg.MasterServerURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return strings.TrimRight(url, "/")
}
