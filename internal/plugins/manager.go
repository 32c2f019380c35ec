// Package plugins registers the tools of external MCP servers as actions.
// Each tool of plugin "crm" becomes action type "crm.<tool>".
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Plugin statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

const (
	defaultHealthInterval = 30 * time.Second
	maxPingFailures       = 3
)

// Config describes how to launch and identify a plugin.
type Config struct {
	// ID is the action namespace of the plugin's tools.
	ID      string   `mapstructure:"id"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
}

// ToolClient is the MCP client surface a plugin needs.
type ToolClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	Ping(ctx context.Context) error
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer connects to a plugin.
type Dialer func(ctx context.Context, cfg Config) (ToolClient, error)

// StdioDialer launches the plugin command as a subprocess speaking MCP over
// stdio.
func StdioDialer(_ context.Context, cfg Config) (ToolClient, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start plugin %q: %w", cfg.ID, err)
	}
	return c, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces StdioDialer.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dial = d } }

// WithHealthInterval sets how often plugins are pinged.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// Manager owns plugin connections and their health checks.
type Manager struct {
	registry       *actions.Registry
	dial           Dialer
	healthInterval time.Duration
	logger         *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*plugin
	wg      sync.WaitGroup
}

type plugin struct {
	cfg    Config
	cancel context.CancelFunc

	mu       sync.RWMutex
	client   ToolClient
	status   string
	failures int
}

func (p *plugin) conn() ToolClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// NewManager creates a Manager registering into registry.
func NewManager(registry *actions.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:       registry,
		dial:           StdioDialer,
		healthInterval: defaultHealthInterval,
		logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
		plugins:        make(map[string]*plugin),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load connects to a plugin, registers its tools and starts health checks.
// It returns the number of registered actions.
func (m *Manager) Load(ctx context.Context, cfg Config) (int, error) {
	if cfg.ID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin id is empty")
	}
	m.mu.Lock()
	if _, exists := m.plugins[cfg.ID]; exists {
		m.mu.Unlock()
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", cfg.ID)
	}
	m.mu.Unlock()

	c, err := m.connect(ctx, cfg)
	if err != nil {
		return 0, err
	}
	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return 0, fmt.Errorf("list tools of plugin %q: %w", cfg.ID, err)
	}

	pluginCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &plugin{cfg: cfg, cancel: cancel, client: c, status: StatusHealthy}

	acts := make([]actions.Action, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		acts = append(acts, newToolAction(p, t))
	}
	n, err := m.registry.RegisterNamespace(cfg.ID, acts)
	if err != nil {
		cancel()
		_ = c.Close()
		return n, err
	}

	m.mu.Lock()
	m.plugins[cfg.ID] = p
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.healthLoop(pluginCtx, p)
	}()

	m.logger.Info("plugin loaded", slog.String("id", cfg.ID), slog.Int("actions", n))
	return n, nil
}

func (m *Manager) connect(ctx context.Context, cfg Config) (ToolClient, error) {
	c, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "stepflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake with plugin %q: %w", cfg.ID, err)
	}
	return c, nil
}

// healthLoop pings the plugin and reconnects after repeated failures.
func (m *Manager) healthLoop(ctx context.Context, p *plugin) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := p.conn().Ping(ctx)
		p.mu.Lock()
		if err == nil {
			p.failures = 0
			p.status = StatusHealthy
			p.mu.Unlock()
			continue
		}
		p.failures++
		failures := p.failures
		if failures >= maxPingFailures {
			p.status = StatusUnhealthy
		}
		p.mu.Unlock()

		m.logger.Warn("plugin ping failed",
			slog.String("id", p.cfg.ID),
			slog.Int("consecutive_errors", failures),
			slog.String("error", err.Error()),
		)
		if failures >= maxPingFailures {
			m.reconnect(ctx, p)
		}
	}
}

// reconnect replaces the plugin's client, backing off between attempts.
// Registered actions keep pointing at p, so they pick up the new client.
func (m *Manager) reconnect(ctx context.Context, p *plugin) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		c, err := m.connect(ctx, p.cfg)
		if err != nil {
			m.logger.Warn("plugin reconnect failed", slog.String("id", p.cfg.ID), slog.String("error", err.Error()))
			return err
		}
		p.mu.Lock()
		old := p.client
		p.client = c
		p.failures = 0
		p.status = StatusHealthy
		p.mu.Unlock()
		_ = old.Close()
		return nil
	}, backoff.WithContext(b, ctx))
	if err == nil {
		m.logger.Info("plugin reconnected", slog.String("id", p.cfg.ID))
	}
}

// Stop disconnects a plugin. Its actions stay registered and fail with
// ACTION_UNAVAILABLE.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	p, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q not found", id)
	}
	delete(m.plugins, id)
	m.mu.Unlock()

	p.cancel()
	p.mu.Lock()
	p.status = StatusStopped
	c := p.client
	p.mu.Unlock()

	m.logger.Info("plugin stopped", slog.String("id", id))
	return c.Close()
}

// StopAll stops every plugin and waits for health checks to exit.
func (m *Manager) StopAll() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			lastErr = err
			m.logger.Error("failed to stop plugin", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	m.wg.Wait()
	return lastErr
}

// Status returns the status of every loaded plugin.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.plugins))
	for id, p := range m.plugins {
		p.mu.RLock()
		out[id] = p.status
		p.mu.RUnlock()
	}
	return out
}

// toolAction exposes one MCP tool as an Action.
type toolAction struct {
	plugin      *plugin
	name        string
	description string
	inputSchema json.RawMessage
}

func newToolAction(p *plugin, t mcp.Tool) *toolAction {
	a := &toolAction{plugin: p, name: t.Name, description: t.Description}
	if len(t.RawInputSchema) > 0 {
		a.inputSchema = t.RawInputSchema
	} else if data, err := json.Marshal(t.InputSchema); err == nil {
		a.inputSchema = data
	}
	return a
}

func (a *toolAction) Name() string { return a.name }

func (a *toolAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{Description: a.description, InputSchema: a.inputSchema}
}

// Validate is left to the plugin, which sees the arguments on every call.
func (a *toolAction) Validate(map[string]any) error { return nil }

func (a *toolAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	a.plugin.mu.RLock()
	c, status := a.plugin.client, a.plugin.status
	a.plugin.mu.RUnlock()
	if status == StatusStopped {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "plugin %q is stopped", a.plugin.cfg.ID)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = a.name
	req.Params.Arguments = input.Params

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin %q tool %q: %v", a.plugin.cfg.ID, a.name, err).WithCause(err)
	}
	text := toolText(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "plugin %q tool %q: %s", a.plugin.cfg.ID, a.name, text)
	}
	if res.StructuredContent != nil {
		return &actions.ActionOutput{Data: res.StructuredContent}, nil
	}

	var data any
	if err := json.Unmarshal([]byte(text), &data); err == nil {
		return &actions.ActionOutput{Data: data}, nil
	}
	return &actions.ActionOutput{Data: map[string]any{"text": text}}, nil
}

// toolText concatenates the text contents of a tool result.
func toolText(res *mcp.CallToolResult) string {
	var out string
	for _, c := range res.Content {
		if t, ok := mcp.AsTextContent(c); ok {
			out += t.Text
		}
	}
	return out
}
