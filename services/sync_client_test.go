package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vibenode/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSyncClient(t *testing.T, url string, link *fakeLink) (*SyncClient, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	status := newTestStatus(t, clock)
	return NewSyncClient(SyncClientOptions{
		URL:      url,
		SSID:     "barn",
		Password: "secret",
		DeviceID: "a1b2c3d4e5f6",
		Version:  "1.0.5",
	}, link, clock, status, zap.NewNop()), clock
}

func TestSyncClientAppend(t *testing.T) {
	var got models.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "vibenode/1.0.5", r.Header.Get("User-Agent"))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","last_timestamp":"2024-06-01T11:00:00","unknown":[1,2]}`))
	}))
	defer server.Close()

	link := &fakeLink{connected: true, rssi: -61}
	client, _ := newTestSyncClient(t, server.URL, link)

	resp := client.Append(context.Background(), values("2024-06-01T11:00:00"))
	require.True(t, resp.IsSuccess())
	require.Equal(t, "2024-06-01T11:00:00", *resp.LastTimestamp)

	require.Equal(t, models.OpAppend, got.Op)
	require.Equal(t, "a1b2c3d4e5f6", got.DeviceID)
	require.Equal(t, -61, got.RSSI)
	require.Len(t, got.Values, 1)
}

func TestSyncClientInitAndPing(t *testing.T) {
	var ops []models.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		ops = append(ops, req)
		w.Write([]byte(`{"status":"success","current_time":"2024-06-01T12:00:00"}`))
	}))
	defer server.Close()

	client, _ := newTestSyncClient(t, server.URL, &fakeLink{connected: true})

	resp := client.Init(context.Background(), "America/Los_Angeles", "1.0.5")
	require.Equal(t, "2024-06-01T12:00:00", *resp.CurrentTime)

	resp = client.Ping(context.Background(), models.Heartbeat{Count: 3, Version: "1.0.5"})
	require.True(t, resp.IsSuccess())

	require.Len(t, ops, 2)
	require.Equal(t, models.OpInit, ops[0].Op)
	require.Equal(t, "America/Los_Angeles", ops[0].Timezone)
	require.Equal(t, "1.0.5", ops[0].Version)
	require.Equal(t, models.OpPing, ops[1].Op)
	require.NotNil(t, ops[1].Data)
	require.Equal(t, 3, ops[1].Data.Count)
}

func TestSyncClientConnectsWhenDown(t *testing.T) {
	var wait int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		wait = req.ConnectionWait
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	link := &fakeLink{connectOK: true, connectAfter: 3, rssi: -70}
	client, _ := newTestSyncClient(t, server.URL, link)

	resp := client.Ping(context.Background(), models.Heartbeat{})
	require.True(t, resp.IsSuccess())
	require.Equal(t, 1, link.connects)
	require.Equal(t, int64(1500), wait)
	require.Contains(t, client.status.LastStatus(), "WiFi connected successfully after 1500 ms, rssi = -70")
}

func TestSyncClientConnectTimeout(t *testing.T) {
	link := &fakeLink{connectOK: false}
	client, clock := newTestSyncClient(t, "http://127.0.0.1:1", link)

	resp := client.Append(context.Background(), values("2024-06-01T11:00:00"))
	require.False(t, resp.IsSuccess())
	require.Equal(t, "could not connect to barn", resp.Message)
	require.Equal(t, Ticks(30000), clock.Ticks())
	require.Contains(t, client.status.LastStatus(), "WiFi connection failed")
}

func TestSyncClientMalformedResponseDropsLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`<html>bad gateway</html>`))
	}))
	defer server.Close()

	link := &fakeLink{connected: true}
	client, _ := newTestSyncClient(t, server.URL, link)

	resp := client.Append(context.Background(), values("2024-06-01T11:00:00"))
	require.Equal(t, models.StatusError, resp.Status)
	require.Contains(t, resp.Message, "malformed response")
	require.Equal(t, 1, link.disconnects)
	require.Contains(t, client.status.LastStatus(), "disconnecting WiFi")
}

func TestSyncClientMissingStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":"hi"}`))
	}))
	defer server.Close()

	client, _ := newTestSyncClient(t, server.URL, &fakeLink{connected: true})
	resp := client.Ping(context.Background(), models.Heartbeat{})
	require.Equal(t, models.StatusError, resp.Status)
	require.Contains(t, resp.Message, "missing status")
}

func TestSyncClientRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	link := &fakeLink{connected: true}
	client, _ := newTestSyncClient(t, server.URL, link)
	client.RequestTimeout = 50 * time.Millisecond

	resp := client.Ping(context.Background(), models.Heartbeat{})
	require.Equal(t, models.StatusError, resp.Status)
	require.Equal(t, 1, link.disconnects)
}
