package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

const (
	reconnectAfterClose = 3 * time.Second
	reconnectAfterError = 5 * time.Second

	// The control plane pings every 30s.
	readTimeout  = 75 * time.Second
	controlWrite = 10 * time.Second
)

// pushStream keeps the push channel open and feeds job events to the queue.
type pushStream struct {
	url    string
	token  string
	dialer *websocket.Dialer
	queue  *jobQueue
	logger *zap.Logger

	closeDelay time.Duration
	errorDelay time.Duration
}

func newPushStream(url, token string, queue *jobQueue, logger *zap.Logger) *pushStream {
	return &pushStream{
		url:   url,
		token: token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		queue:      queue,
		logger:     logger,
		closeDelay: reconnectAfterClose,
		errorDelay: reconnectAfterError,
	}
}

// Run reconnects forever until ctx is done.
func (s *pushStream) Run(ctx context.Context) {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info("push channel stopped")
			return
		}
		delay := s.closeDelay
		if err != nil {
			delay = s.errorDelay
			s.logger.Warn("push channel failed", zap.Error(err), zap.Duration("retry_in", delay))
		} else {
			s.logger.Info("push channel closed by server", zap.Duration("retry_in", delay))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session runs one connection. A nil error means the server closed cleanly.
func (s *pushStream) session(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial push channel: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWrite))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.handle(env)
	}
}

func (s *pushStream) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventReady:
		s.logger.Info("push channel ready")
	case protocol.EventJob:
		var ev protocol.JobEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.logger.Warn("malformed job event", zap.Error(err))
			return
		}
		if ev.JobID == "" {
			s.logger.Warn("job event without jobId")
			return
		}
		s.logger.Info("job received", zap.String("job_id", ev.JobID), zap.String("type", string(ev.Type)))
		s.queue.Push(ev)
	default:
		s.logger.Debug("ignoring event", zap.String("event", env.Event))
	}
}
