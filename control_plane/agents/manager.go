package agents

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/apperr"
	"github.com/itskum47/deployplane/control_plane/auth"
	"github.com/itskum47/deployplane/control_plane/observability"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/protocol"
)

const tokenBytes = 20

// Options are the liveness and connection parameters handed to agents.
type Options struct {
	LivenessWindow        time.Duration
	HeartbeatInterval     time.Duration
	RequireHeartbeatToken bool
	// PublicURL overrides the request-derived control-plane URL.
	PublicURL        string
	DefaultDeployDir string
	AgentDownloadURL string
}

// Manager is the only writer of agent records.
type Manager struct {
	store    store.Store
	verifier auth.Verifier
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

func NewManager(st store.Store, verifier auth.Verifier, opts Options, logger *zap.Logger) *Manager {
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 60 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	return &Manager{
		store:    st,
		verifier: verifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

type RegisterInput struct {
	Name        string
	HostType    string
	Description string
	UserID      string
	Token       string
}

// Register creates an OFFLINE agent with a freshly minted token.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (*store.Agent, error) {
	if in.UserID == "" || in.Token == "" || !m.verifier.Verify(in.Token, in.UserID) {
		return nil, apperr.Auth("Authentication failed")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	hostType, ok := protocol.ParseHostType(in.HostType)
	if !ok {
		return nil, apperr.Validation("hostType must be one of Linux, macOS, Windows")
	}

	token, err := mintToken()
	if err != nil {
		return nil, apperr.Server("failed to mint agent token", err)
	}
	now := m.now().UTC()
	agent := &store.Agent{
		ID:          uuid.NewString(),
		Name:        name,
		HostType:    hostType,
		Token:       token,
		Status:      protocol.AgentOffline,
		Description: strings.TrimSpace(in.Description),
		CreatedBy:   in.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, apperr.Server("failed to create agent", err)
	}
	m.logger.Info("agent registered", zap.String("agent_id", agent.ID), zap.String("name", agent.Name), zap.String("host_type", string(hostType)))
	return agent, nil
}

// Handshake checks the agent's token, marks it seen and returns the
// connection parameters. baseURL is the request-derived control-plane URL.
func (m *Manager) Handshake(ctx context.Context, req protocol.HandshakeRequest, baseURL string) (*protocol.HandshakeResponse, error) {
	if req.AgentID == "" || req.Token == "" {
		observability.AgentHandshakes.WithLabelValues("invalid").Inc()
		return nil, apperr.Validation("agentId and token are required")
	}
	agent, err := m.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, apperr.Server("failed to load agent", err)
	}
	if agent == nil {
		observability.AgentHandshakes.WithLabelValues("unknown").Inc()
		return nil, apperr.NotFound("Agent not found")
	}
	if !tokenMatches(agent.Token, req.Token) {
		observability.AgentHandshakes.WithLabelValues("rejected").Inc()
		m.logger.Warn("handshake rejected", zap.String("agent_id", req.AgentID))
		return nil, apperr.Auth("Invalid agent token")
	}
	if err := m.store.TouchAgent(ctx, agent.ID, m.now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Agent not found")
		}
		return nil, apperr.Server("failed to record handshake", err)
	}
	observability.AgentHandshakes.WithLabelValues("ok").Inc()

	serverURL := m.ServerURL(baseURL)
	m.logger.Info("agent handshake",
		zap.String("agent_id", agent.ID),
		zap.String("hostname", req.Hostname),
		zap.String("platform", req.Platform),
		zap.String("agent_version", req.Version),
	)
	return &protocol.HandshakeResponse{
		OK:                  true,
		ServerURL:           serverURL,
		PushChannelURL:      PushChannelURL(serverURL, agent.ID),
		HeartbeatIntervalMs: m.opts.HeartbeatInterval.Milliseconds(),
	}, nil
}

// Heartbeat records liveness. The token is checked when present and is
// mandatory only with RequireHeartbeatToken.
func (m *Manager) Heartbeat(ctx context.Context, agentID, token string) (*protocol.HeartbeatResponse, error) {
	if agentID == "" {
		return nil, apperr.Validation("agentId is required")
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, apperr.Server("failed to load agent", err)
	}
	if agent == nil {
		return nil, apperr.NotFound("Agent not found")
	}
	if token == "" && m.opts.RequireHeartbeatToken {
		return nil, apperr.Auth("Agent token required")
	}
	if token != "" && !tokenMatches(agent.Token, token) {
		m.logger.Warn("heartbeat token mismatch", zap.String("agent_id", agentID))
		return nil, apperr.Auth("Invalid agent token")
	}

	now := m.now().UTC()
	if err := m.store.TouchAgent(ctx, agentID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Agent not found")
		}
		return nil, apperr.Server("failed to record heartbeat", err)
	}
	return &protocol.HeartbeatResponse{OK: true, LastSeenAt: now}, nil
}

// Authenticate checks the bearer token presented when opening the push channel.
func (m *Manager) Authenticate(ctx context.Context, agentID, token string) (*store.Agent, error) {
	if agentID == "" {
		return nil, apperr.Validation("agent id is required")
	}
	if token == "" {
		return nil, apperr.Auth("Agent token required")
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, apperr.Server("failed to load agent", err)
	}
	if agent == nil {
		return nil, apperr.NotFound("Agent not found")
	}
	if !tokenMatches(agent.Token, token) {
		return nil, apperr.Auth("Invalid agent token")
	}
	return agent, nil
}

// ResolveStatus derives liveness from lastSeenAt at read time.
func ResolveStatus(a *store.Agent, now time.Time, window time.Duration) protocol.AgentStatus {
	if a == nil || a.LastSeenAt == nil {
		return protocol.AgentOffline
	}
	if now.Sub(*a.LastSeenAt) > window {
		return protocol.AgentOffline
	}
	return protocol.AgentOnline
}

func (m *Manager) ResolveStatus(a *store.Agent) protocol.AgentStatus {
	return ResolveStatus(a, m.now(), m.opts.LivenessWindow)
}

// Get returns the agent with its status resolved. The token is kept.
func (m *Manager) Get(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, apperr.Server("failed to load agent", err)
	}
	if agent == nil {
		return nil, apperr.NotFound("Agent not found")
	}
	agent.Status = m.ResolveStatus(agent)
	return agent, nil
}

// List returns all agents with resolved status and without tokens.
func (m *Manager) List(ctx context.Context) ([]*store.Agent, error) {
	list, err := m.store.ListAgents(ctx)
	if err != nil {
		return nil, apperr.Server("failed to list agents", err)
	}
	now := m.now()
	for _, a := range list {
		a.Status = ResolveStatus(a, now, m.opts.LivenessWindow)
		a.Token = ""
	}
	return list, nil
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteAgent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("Agent not found")
		}
		return apperr.Server("failed to delete agent", err)
	}
	m.logger.Info("agent deleted", zap.String("agent_id", id))
	return nil
}

// Validation is the lightweight liveness probe used by the dashboard.
type Validation struct {
	Online     bool                 `json:"online"`
	Status     protocol.AgentStatus `json:"status"`
	LastSeenAt *time.Time           `json:"lastSeenAt"`
}

func (m *Manager) Validate(ctx context.Context, id string) (*Validation, error) {
	agent, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Validation{
		Online:     agent.Status == protocol.AgentOnline,
		Status:     agent.Status,
		LastSeenAt: agent.LastSeenAt,
	}, nil
}

// ManualConfig is what an operator needs to configure an agent by hand.
type ManualConfig struct {
	AgentID   string `json:"agentId"`
	Token     string `json:"token"`
	ServerURL string `json:"serverUrl"`
	DeployDir string `json:"deployDir"`
}

func (m *Manager) ManualConfig(ctx context.Context, id, baseURL string) (*ManualConfig, error) {
	agent, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.manualConfig(agent, baseURL), nil
}

func (m *Manager) manualConfig(agent *store.Agent, baseURL string) *ManualConfig {
	return &ManualConfig{
		AgentID:   agent.ID,
		Token:     agent.Token,
		ServerURL: m.ServerURL(baseURL),
		DeployDir: m.opts.DefaultDeployDir,
	}
}

// ServerURL prefers the configured public URL over the request-derived one.
func (m *Manager) ServerURL(baseURL string) string {
	if m.opts.PublicURL != "" {
		return m.opts.PublicURL
	}
	return strings.TrimRight(baseURL, "/")
}

// PushChannelURL is the websocket URL an agent dials for its push channel.
func PushChannelURL(serverURL, agentID string) string {
	u := serverURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/agentStream?id=" + agentID
}

func mintToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func tokenMatches(want, got string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
