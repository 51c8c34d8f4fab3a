package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

type recordedRequest struct {
	Path   string
	Auth   string
	Action string
	Body   map[string]any
}

func newControlPlaneServer(t *testing.T, handler func(w http.ResponseWriter, action string)) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		action, _ := body["action"].(string)
		mu.Lock()
		reqs = append(reqs, recordedRequest{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Action: action, Body: body})
		mu.Unlock()
		handler(w, action)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func TestClientRequests(t *testing.T) {
	srv, requests := newControlPlaneServer(t, func(w http.ResponseWriter, action string) {
		w.Header().Set("Content-Type", "application/json")
		switch action {
		case protocol.ActionHandshake:
			json.NewEncoder(w).Encode(protocol.HandshakeResponse{OK: true, ServerURL: "http://cp", PushChannelURL: "ws://cp/agentStream?id=agent-1", HeartbeatIntervalMs: 2000})
		default:
			w.Write([]byte(`{"ok":true}`))
		}
	})
	c := NewClient(&Config{AgentID: "agent-1", Token: "secret", ServerURL: srv.URL + "/"})
	ctx := context.Background()

	hs, err := c.Handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws://cp/agentStream?id=agent-1", hs.PushChannelURL)
	assert.EqualValues(t, 2000, hs.HeartbeatIntervalMs)

	require.NoError(t, c.Heartbeat(ctx))
	finished := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.Report(ctx, "job_1", protocol.StatusSuccess, &finished))
	require.NoError(t, c.Log(ctx, "job_1", protocol.LogStdout, "hello"))

	got := requests()
	require.Len(t, got, 4)
	assert.Equal(t, "/deploymentAgents", got[0].Path)
	assert.Equal(t, "secret", got[0].Body["token"])
	assert.Equal(t, "/deploymentAgents", got[1].Path)
	assert.Equal(t, protocol.ActionHeartbeat, got[1].Action)
	assert.Equal(t, "/jobs", got[2].Path)
	assert.Equal(t, "SUCCESS", got[2].Body["status"])
	assert.Equal(t, "2024-05-01T12:00:00Z", got[2].Body["finishedAt"])
	assert.Equal(t, "Bearer secret", got[2].Auth)
	assert.Equal(t, "hello", got[3].Body["message"])
}

func TestClientSurfacesServerError(t *testing.T) {
	srv, _ := newControlPlaneServer(t, func(w http.ResponseWriter, action string) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"Invalid token"}`))
	})
	c := NewClient(&Config{AgentID: "agent-1", Token: "wrong", ServerURL: srv.URL})

	_, err := c.Handshake(context.Background())
	assert.ErrorContains(t, err, "status 403: Invalid token")
}

func TestHandshakeRetriesUntilSuccess(t *testing.T) {
	cp := &fakeControlPlane{handshakeFails: 2, resp: protocol.HandshakeResponse{OK: true, HeartbeatIntervalMs: 10}}

	hs, err := handshakeUntilReady(context.Background(), cp, time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 10, hs.HeartbeatIntervalMs)
	assert.Equal(t, 3, cp.handshakes)
}

func TestHandshakeStopsOnShutdown(t *testing.T) {
	cp := &fakeControlPlane{handshakeFails: 1000}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := handshakeUntilReady(ctx, cp, 5*time.Millisecond, zap.NewNop())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeartbeatsStartImmediately(t *testing.T) {
	cp := &fakeControlPlane{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runHeartbeats(ctx, cp, time.Hour, zap.NewNop())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		cp.mu.Lock()
		defer cp.mu.Unlock()
		return cp.heartbeats == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
