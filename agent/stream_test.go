package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

func sendEvent(conn *websocket.Conn, event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func TestPushStreamReconnectsAndQueuesJobs(t *testing.T) {
	var conns int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer agent-token" {
			http.Error(w, `{"error":"Invalid token"}`, http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&conns, 1)

		sendEvent(conn, protocol.EventReady, protocol.ReadyEvent{OK: true, AgentID: "agent-1"})
		sendEvent(conn, protocol.EventJob, protocol.JobEvent{JobID: "job_" + string(rune('0'+n)), Type: protocol.JobDeploy})
		if n == 1 {
			// Superseded: the server closes the first channel cleanly.
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	q := newJobQueue()
	s := newPushStream("ws"+strings.TrimPrefix(srv.URL, "http")+"/agentStream?id=agent-1", "agent-token", q, zap.NewNop())
	s.closeDelay = 10 * time.Millisecond
	s.errorDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	first, _ := q.pop()
	second, _ := q.pop()
	assert.Equal(t, "job_1", first.JobID)
	assert.Equal(t, "job_2", second.JobID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&conns))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push stream did not stop")
	}
}

func TestPushStreamRetriesRejectedDial(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	s := newPushStream("ws"+strings.TrimPrefix(srv.URL, "http"), "bad", newJobQueue(), zap.NewNop())
	s.errorDelay = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Greater(t, atomic.LoadInt32(&attempts), int32(1))
}

func TestPushStreamIgnoresMalformedEvents(t *testing.T) {
	q := newJobQueue()
	s := newPushStream("ws://unused", "tok", q, zap.NewNop())

	s.handle(protocol.Envelope{Event: protocol.EventJob, Data: []byte(`{"jobId":`)})
	s.handle(protocol.Envelope{Event: protocol.EventJob, Data: []byte(`{"type":"deploy"}`)})
	s.handle(protocol.Envelope{Event: "ping"})
	assert.Zero(t, q.Len())

	s.handle(protocol.Envelope{Event: protocol.EventJob, Data: []byte(`{"jobId":"job_9","type":"stop","payload":{}}`)})
	assert.Equal(t, 1, q.Len())
}
