package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

func TestRunExecutesPushedJobs(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sendEvent(conn, protocol.EventReady, protocol.ReadyEvent{OK: true, AgentID: "agent-1"})
		sendEvent(conn, protocol.EventJob, protocol.JobEvent{JobID: "job_a", Type: protocol.JobStop, Payload: []byte(`{"stopCommand":"./stop.sh"}`)})
		sendEvent(conn, protocol.EventJob, protocol.JobEvent{JobID: "job_b", Type: protocol.JobHealthCheck})
		conn.ReadMessage()
	}))
	defer srv.Close()

	cp := &fakeControlPlane{
		resp: protocol.HandshakeResponse{
			OK:                  true,
			PushChannelURL:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/agentStream?id=agent-1",
			HeartbeatIntervalMs: 60000,
		},
	}
	fr := &fakeRunner{outputs: map[string]string{}, errs: map[string]error{}}
	cfg := &Config{AgentID: "agent-1", Token: "tok", ServerURL: srv.URL, DeployDir: t.TempDir()}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, cp, fr, zap.NewNop()) }()

	require.Eventually(t, func() bool { return len(cp.statuses()) == 4 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	assert.Equal(t, []reportCall{
		{JobID: "job_a", Status: protocol.StatusRunning},
		{JobID: "job_a", Status: protocol.StatusSuccess, FinishedAt: cp.reports[1].FinishedAt},
		{JobID: "job_b", Status: protocol.StatusRunning},
		{JobID: "job_b", Status: protocol.StatusSuccess, FinishedAt: cp.reports[3].FinishedAt},
	}, cp.reports)
	assert.GreaterOrEqual(t, cp.heartbeats, 1)
	assert.Equal(t, []string{"sh -c ./stop.sh"}, fr.lines())
}

func TestConfigureWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cmd := configureCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "--agent-id", "agent-1", "--token", "tok", "--server-url", "http://cp:5050", "--deploy-dir", "/srv/apps"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)

	cfg, err := LoadConfig(path, envOverrides{})
	require.NoError(t, err)
	assert.Equal(t, Config{AgentID: "agent-1", Token: "tok", ServerURL: "http://cp:5050", DeployDir: "/srv/apps"}, *cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cmd = configureCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "--agent-id", "agent-1"})
	assert.Error(t, cmd.Execute())
}
