package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/deployplane/protocol"
)

const (
	requestTimeout           = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	handshakeRetry           = 5 * time.Second
)

// ControlPlane is the agent's view of the control-plane HTTP API.
type ControlPlane interface {
	Handshake(ctx context.Context) (*protocol.HandshakeResponse, error)
	Heartbeat(ctx context.Context) error
	Report(ctx context.Context, jobID string, status protocol.JobStatus, finishedAt *time.Time) error
	Log(ctx context.Context, jobID, typ, message string) error
}

// Client talks to the control plane over HTTP.
type Client struct {
	baseURL    string
	agentID    string
	token      string
	httpClient *http.Client
}

func NewClient(cfg *Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		agentID: cfg.AgentID,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

func (c *Client) Handshake(ctx context.Context) (*protocol.HandshakeResponse, error) {
	hostname, _ := os.Hostname()
	req := protocol.HandshakeRequest{
		Action:   protocol.ActionHandshake,
		AgentID:  c.agentID,
		Token:    c.token,
		Hostname: hostname,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  Version,
	}
	var resp protocol.HandshakeResponse
	if err := c.post(ctx, "/deploymentAgents", req, &resp); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("handshake rejected")
	}
	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context) error {
	req := protocol.HeartbeatRequest{Action: protocol.ActionHeartbeat, AgentID: c.agentID, Token: c.token}
	if err := c.post(ctx, "/deploymentAgents", req, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (c *Client) Report(ctx context.Context, jobID string, status protocol.JobStatus, finishedAt *time.Time) error {
	req := protocol.ReportRequest{Action: protocol.ActionReport, JobID: jobID, Status: string(status), FinishedAt: finishedAt}
	if err := c.post(ctx, "/jobs", req, nil); err != nil {
		return fmt.Errorf("report %s: %w", status, err)
	}
	return nil
}

func (c *Client) Log(ctx context.Context, jobID, typ, message string) error {
	req := protocol.LogRequest{Action: protocol.ActionLog, JobID: jobID, Type: typ, Message: message}
	return c.post(ctx, "/jobs", req, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// handshakeUntilReady retries the handshake at a fixed interval until it
// succeeds or ctx is done.
func handshakeUntilReady(ctx context.Context, cp ControlPlane, retry time.Duration, logger *zap.Logger) (*protocol.HandshakeResponse, error) {
	for {
		resp, err := cp.Handshake(ctx)
		if err == nil {
			return resp, nil
		}
		logger.Warn("handshake failed, retrying", zap.Error(err), zap.Duration("retry_in", retry))
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// runHeartbeats sends one heartbeat immediately and then one per interval.
// Failures are logged and never stop the loop.
func runHeartbeats(ctx context.Context, cp ControlPlane, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	beat := func() {
		if err := cp.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("heartbeat failed", zap.Error(err))
		}
	}
	beat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			beat()
		case <-ctx.Done():
			logger.Info("heartbeat loop stopping")
			return
		}
	}
}
