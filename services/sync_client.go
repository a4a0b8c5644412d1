package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"vibenode/log"
	"vibenode/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultConnectPoll    = 500 * time.Millisecond
	DefaultRequestTimeout = 15 * time.Second

	maxResponseBytes = 1 << 20
)

// SyncClient posts JSON requests to the sync service over a Link. Posts
// never return errors: failures come back as an error envelope so the
// caller can retry on its next schedule.
type SyncClient struct {
	url      string
	ssid     string
	password string
	deviceID string
	version  string

	link       Link
	httpClient *http.Client
	clock      Clock
	status     *log.StatusLog
	logger     *zap.Logger

	ConnectTimeout time.Duration
	ConnectPoll    time.Duration
	RequestTimeout time.Duration
}

// SyncClientOptions configures a SyncClient.
type SyncClientOptions struct {
	URL      string
	SSID     string
	Password string
	DeviceID string
	Version  string
}

func NewSyncClient(opts SyncClientOptions, link Link, clock Clock, status *log.StatusLog, logger *zap.Logger) *SyncClient {
	return &SyncClient{
		url:      opts.URL,
		ssid:     opts.SSID,
		password: opts.Password,
		deviceID: opts.DeviceID,
		version:  opts.Version,
		link:     link,
		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
		clock:          clock,
		status:         status,
		logger:         logger,
		ConnectTimeout: DefaultConnectTimeout,
		ConnectPoll:    DefaultConnectPoll,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// DeviceID returns the identity sent with every request.
func (c *SyncClient) DeviceID() string { return c.deviceID }

// Connect associates the link if needed, waiting up to ConnectTimeout. It
// returns whether the link is up and how long it waited.
func (c *SyncClient) Connect(ctx context.Context) (bool, time.Duration) {
	if c.link.IsConnected() {
		return true, 0
	}

	c.logger.Info("Attempting to connect", zap.String("ssid", c.ssid))
	start := c.clock.Ticks()
	if err := c.link.Connect(c.ssid, c.password); err != nil {
		c.logger.Warn("Link connect failed", zap.String("ssid", c.ssid), zap.Error(err))
	}

	var wait time.Duration
	for wait < c.ConnectTimeout {
		if c.link.IsConnected() || ctx.Err() != nil {
			break
		}
		c.clock.Sleep(c.ConnectPoll)
		wait = time.Duration(TicksDiff(c.clock.Ticks(), start)) * time.Millisecond
	}

	if c.link.IsConnected() {
		c.status.Status(fmt.Sprintf("WiFi connected successfully after %d ms, rssi = %d", wait.Milliseconds(), c.link.RSSI()))
		return true, wait
	}
	c.status.Status("WiFi connection failed")
	return false, wait
}

// Post sends req and decodes the service response.
func (c *SyncClient) Post(ctx context.Context, req models.Request) models.RemoteResponse {
	connected, wait := c.Connect(ctx)
	if !connected {
		return models.ErrorResponse(fmt.Sprintf("could not connect to %s", c.ssid))
	}

	req.RSSI = c.link.RSSI()
	req.ConnectionWait = wait.Milliseconds()

	resp, err := c.do(ctx, req)
	if err != nil {
		err = Wrap(KindNetwork, string(req.Op), err)
		c.logger.Error("Sync post failed",
			zap.String("op", string(req.Op)),
			zap.String("url", c.url),
			zap.Error(err))
		c.status.Status(fmt.Sprintf("post failed: %v", err))
		if c.link.IsConnected() {
			c.status.Status("disconnecting WiFi")
			c.httpClient.CloseIdleConnections()
			if err := c.link.Disconnect(); err != nil {
				c.logger.Warn("Link disconnect failed", zap.Error(err))
			}
		}
		return models.ErrorResponse(fmt.Sprintf("post failed: %v", err))
	}
	return resp
}

func (c *SyncClient) do(ctx context.Context, req models.Request) (models.RemoteResponse, error) {
	var out models.RemoteResponse

	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "vibenode/"+c.version)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return out, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("malformed response (%s): %w", resp.Status, err)
	}
	if out.Status == "" {
		return out, fmt.Errorf("malformed response (%s): %w", resp.Status, errors.New("missing status"))
	}

	c.logger.Debug("Sync post complete",
		zap.String("op", string(req.Op)),
		zap.Int("status_code", resp.StatusCode),
		zap.String("status", out.Status))
	return out, nil
}

// Init announces the device and fetches the service clock and settings.
func (c *SyncClient) Init(ctx context.Context, timezone, version string) models.RemoteResponse {
	c.logger.Info("Sync init", zap.String("device_id", c.deviceID), zap.String("version", version))
	return c.Post(ctx, models.Request{
		Op:       models.OpInit,
		DeviceID: c.deviceID,
		Version:  version,
		Timezone: timezone,
	})
}

// Append posts logged events.
func (c *SyncClient) Append(ctx context.Context, values []models.VibrationEvent) models.RemoteResponse {
	return c.Post(ctx, models.Request{
		Op:       models.OpAppend,
		DeviceID: c.deviceID,
		Values:   values,
	})
}

// Ping posts a heartbeat.
func (c *SyncClient) Ping(ctx context.Context, data models.Heartbeat) models.RemoteResponse {
	return c.Post(ctx, models.Request{
		Op:       models.OpPing,
		DeviceID: c.deviceID,
		Data:     &data,
	})
}
