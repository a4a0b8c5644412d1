package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vibenode/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func post(t *testing.T, h http.Handler, req models.Request) (int, models.RemoteResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))

	var resp models.RemoteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestMockInitReturnsCurrentTime(t *testing.T) {
	s := newSyncService(options{}, fixedNow, zap.NewNop())

	code, resp := post(t, s, models.Request{Op: models.OpInit, DeviceID: "aa", Timezone: "UTC", Version: "1.0.5"})
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.IsSuccess())
	require.NotNil(t, resp.CurrentTime)
	require.Equal(t, "2024-06-01T12:00:00", *resp.CurrentTime)
}

func TestMockAppendTracksLastTimestamp(t *testing.T) {
	s := newSyncService(options{}, fixedNow, zap.NewNop())

	_, resp := post(t, s, models.Request{Op: models.OpAppend, DeviceID: "aa", Values: []models.VibrationEvent{
		{Timestamp: "2024-06-01T10:00:00"},
		{Timestamp: "2024-06-01T11:00:00"},
	}})
	require.True(t, resp.IsSuccess())
	require.Equal(t, "2024-06-01T11:00:00", *resp.LastTimestamp)

	// Resending old values does not move it back.
	_, resp = post(t, s, models.Request{Op: models.OpAppend, DeviceID: "aa", Values: []models.VibrationEvent{
		{Timestamp: "2024-06-01T10:00:00"},
	}})
	require.Equal(t, "2024-06-01T11:00:00", *resp.LastTimestamp)
	require.Equal(t, 2, s.devices["aa"].Events)
}

func TestMockPushesOverrides(t *testing.T) {
	s := newSyncService(options{MinMagnitude: 0.05, ResetCount: 3, OTAVersion: "1.0.6", OTAURL: "http://fw/vibenode"}, fixedNow, zap.NewNop())

	_, resp := post(t, s, models.Request{Op: models.OpPing, DeviceID: "aa", Data: &models.Heartbeat{Count: 1}})
	require.True(t, resp.IsSuccess())
	require.Equal(t, 0.05, *resp.VibrationMinimumMagnitude)
	require.Nil(t, resp.VibrationMinimumSeconds)
	require.Equal(t, 3, *resp.ResetCount)

	version, url, ok := resp.OTA()
	require.True(t, ok)
	require.Equal(t, "1.0.6", version)
	require.Equal(t, "http://fw/vibenode", url)
}

func TestMockRejectsBadRequests(t *testing.T) {
	s := newSyncService(options{}, fixedNow, zap.NewNop())

	code, resp := post(t, s, models.Request{Op: "bogus", DeviceID: "aa"})
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, resp.IsSuccess())

	code, _ = post(t, s, models.Request{Op: models.OpPing})
	require.Equal(t, http.StatusBadRequest, code)
}
