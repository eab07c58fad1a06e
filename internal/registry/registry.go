// Package registry performs the startup self-registration call described
// in spec §6: when registry.conference_url is configured, the process
// POSTs its capacity/group/url/agent_id to a central registry with a bearer
// token, retrying every second until it gets a 2xx — including a 401,
// which is fatal-recoverable rather than fatal. Grounded on the teacher's
// internal/worker.Run retry-loop idiom.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RetryInterval is the delay between registration attempts.
const RetryInterval = time.Second

// Config describes this process's self-registration payload and target.
type Config struct {
	ConferenceURL string // base registry URL; empty disables registration
	Description   string
	Token         string
	Capacity      int
	Group         string
	URL           string // this process's own reachable URL
	AgentID       string
}

// Enabled reports whether registration is configured at all.
func (c Config) Enabled() bool { return c.ConferenceURL != "" }

type payload struct {
	Capacity    int    `json:"capacity"`
	Group       string `json:"group"`
	URL         string `json:"url"`
	AgentID     string `json:"agent_id"`
	Description string `json:"description,omitempty"`
}

// Registrar performs the registration POST and its retry loop.
type Registrar struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

// New creates a Registrar. A nil logger is replaced with a no-op logger.
func New(cfg Config, log *zap.Logger) *Registrar {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registrar{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}, log: log}
}

// Register blocks, retrying every RetryInterval, until the registry
// responds 2xx or ctx is canceled. If Config is not Enabled, it returns
// immediately with no error. A 401 is logged and retried like any other
// non-2xx response; it is not returned as an error unless ctx is canceled
// first.
func (r *Registrar) Register(ctx context.Context) error {
	if !r.cfg.Enabled() {
		return nil
	}
	body, err := json.Marshal(payload{
		Capacity:    r.cfg.Capacity,
		Group:       r.cfg.Group,
		URL:         r.cfg.URL,
		AgentID:     r.cfg.AgentID,
		Description: r.cfg.Description,
	})
	if err != nil {
		return fmt.Errorf("registry: marshal payload: %w", err)
	}

	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()
	for {
		if ok := r.attempt(ctx, body); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// attempt performs one registration POST, returning true on a 2xx response.
func (r *Registrar) attempt(ctx context.Context, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ConferenceURL, bytes.NewReader(body))
	if err != nil {
		r.log.Error("registry: build request failed", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("registry: request failed, retrying", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		r.log.Info("registry: registered", zap.Int("status", resp.StatusCode))
		return true
	}
	if resp.StatusCode == http.StatusUnauthorized {
		r.log.Warn("registry: unauthorized, retrying (fatal-recoverable)", zap.Int("status", resp.StatusCode))
		return false
	}
	r.log.Warn("registry: non-2xx response, retrying", zap.Int("status", resp.StatusCode))
	return false
}
