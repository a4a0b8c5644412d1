package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vibenode/log"
	"vibenode/models"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	addr         = pflag.String("addr", ":8080", "Listen address")
	minMagnitude = pflag.Float64("min-magnitude", 0, "vibration_minimum_magnitude to push (0 = none)")
	minSeconds   = pflag.Float64("min-seconds", 0, "vibration_minimum_seconds to push (0 = none)")
	maxOff       = pflag.Float64("max-off", 0, "max_exp_mag_off to push (0 = none)")
	resetCount   = pflag.Int("reset-count", 0, "reset_count to push (0 = none)")
	otaVersion   = pflag.String("ota-version", "", "Firmware version to offer")
	otaURL       = pflag.String("ota-url", "", "Firmware download URL")
)

// options is what the mock pushes back to devices.
type options struct {
	MinMagnitude float64
	MinSeconds   float64
	MaxOff       float64
	ResetCount   int
	OTAVersion   string
	OTAURL       string
}

// device is what the mock remembers per device.
type device struct {
	Version       string
	Timezone      string
	LastTimestamp string
	Events        int
	Pings         int
	LastSeen      time.Time
}

// syncService is an in-memory stand-in for the sync service.
type syncService struct {
	opts   options
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	devices map[string]*device
}

func newSyncService(opts options, now func() time.Time, logger *zap.Logger) *syncService {
	return &syncService{
		opts:    opts,
		now:     now,
		logger:  logger,
		devices: make(map[string]*device),
	}
}

func (s *syncService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse("POST only"))
		return
	}

	var req models.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse("bad request: "+err.Error()))
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse("missing device_id"))
		return
	}

	s.logger.Info("Request",
		zap.String("op", string(req.Op)),
		zap.String("device_id", req.DeviceID),
		zap.String("request_id", r.Header.Get("X-Request-ID")),
		zap.Int("rssi", req.RSSI),
		zap.Int64("connection_wait", req.ConnectionWait))

	var resp models.RemoteResponse
	switch req.Op {
	case models.OpInit:
		resp = s.handleInit(req)
	case models.OpAppend:
		resp = s.handleAppend(req)
	case models.OpPing:
		resp = s.handlePing(req)
	default:
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse("unknown op "+string(req.Op)))
		return
	}
	s.push(&resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *syncService) device(id string) *device {
	d, ok := s.devices[id]
	if !ok {
		d = &device{}
		s.devices[id] = d
		s.logger.Info("New device registered", zap.String("device_id", id))
	}
	d.LastSeen = s.now()
	return d
}

func (s *syncService) handleInit(req models.Request) models.RemoteResponse {
	s.mu.Lock()
	d := s.device(req.DeviceID)
	d.Version = req.Version
	d.Timezone = req.Timezone
	s.mu.Unlock()

	now := s.now()
	if req.Timezone != "" {
		if loc, err := time.LoadLocation(req.Timezone); err == nil {
			now = now.In(loc)
		}
	}
	current := now.Format(log.TimestampLayout)
	return models.RemoteResponse{Status: models.StatusSuccess, CurrentTime: &current}
}

func (s *syncService) handleAppend(req models.Request) models.RemoteResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.device(req.DeviceID)
	for _, v := range req.Values {
		if v.Timestamp > d.LastTimestamp {
			d.LastTimestamp = v.Timestamp
			d.Events++
			s.logger.Info("Event",
				zap.String("device_id", req.DeviceID),
				zap.String("timestamp", v.Timestamp),
				zap.Float64("duration", v.Duration),
				zap.Int("count", v.Count))
		}
	}

	last := d.LastTimestamp
	return models.RemoteResponse{
		Status:        models.StatusSuccess,
		Message:       "appended",
		LastTimestamp: &last,
	}
}

func (s *syncService) handlePing(req models.Request) models.RemoteResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.device(req.DeviceID)
	d.Pings++
	if req.Data != nil {
		s.logger.Info("Heartbeat",
			zap.String("device_id", req.DeviceID),
			zap.Float64("vib", req.Data.Vibration),
			zap.Bool("is_vibrating", req.Data.IsVibrating),
			zap.Int("count", req.Data.Count),
			zap.String("last_log_line", req.Data.LastLogLine))
	}
	return models.RemoteResponse{Status: models.StatusSuccess}
}

// push adds the configured overrides to resp.
func (s *syncService) push(resp *models.RemoteResponse) {
	if v := s.opts.MinMagnitude; v != 0 {
		resp.VibrationMinimumMagnitude = &v
	}
	if v := s.opts.MinSeconds; v != 0 {
		resp.VibrationMinimumSeconds = &v
	}
	if v := s.opts.MaxOff; v != 0 {
		resp.MaxExpMagOff = &v
	}
	if v := s.opts.ResetCount; v != 0 {
		resp.ResetCount = &v
	}
	if s.opts.OTAVersion != "" && s.opts.OTAURL != "" {
		version, url := s.opts.OTAVersion, s.opts.OTAURL
		resp.OTAVersion = &version
		resp.OTAURL = &url
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	pflag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	service := newSyncService(options{
		MinMagnitude: *minMagnitude,
		MinSeconds:   *minSeconds,
		MaxOff:       *maxOff,
		ResetCount:   *resetCount,
		OTAVersion:   *otaVersion,
		OTAURL:       *otaURL,
	}, time.Now, logger)

	server := &http.Server{
		Addr:              *addr,
		Handler:           service,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down server", zap.Error(err))
		}
	}()

	logger.Info("Mock sync service listening", zap.String("addr", *addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Mock sync service stopped")
}
