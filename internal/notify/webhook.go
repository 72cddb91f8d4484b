package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/agentwatch-hq/agentwatch/internal/telemetry"
	"github.com/agentwatch-hq/agentwatch/models"
)

// WildcardAgent registers a webhook for every agent without its own entry.
const WildcardAgent = "*"

// WebhookRegistry maps agent ids (or the wildcard) to callback URLs, at most
// one per key.
type WebhookRegistry struct {
	mu    sync.RWMutex
	hooks map[string]string
}

func NewWebhookRegistry() *WebhookRegistry {
	return &WebhookRegistry{hooks: make(map[string]string)}
}

func (r *WebhookRegistry) Register(agentID, callbackURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[agentID] = callbackURL
}

func (r *WebhookRegistry) Delete(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[agentID]; !ok {
		return false
	}
	delete(r.hooks, agentID)
	return true
}

func (r *WebhookRegistry) List() []models.WebhookRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.WebhookRegistration, 0, len(r.hooks))
	for agentID, url := range r.hooks {
		out = append(out, models.WebhookRegistration{AgentID: agentID, CallbackURL: url})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Resolve returns the agent-specific registration, falling back to the
// wildcard one.
func (r *WebhookRegistry) Resolve(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if url, ok := r.hooks[agentID]; ok {
		return url, true
	}
	url, ok := r.hooks[WildcardAgent]
	return url, ok
}

func (r *WebhookRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = make(map[string]string)
}

// haltCallback is the payload delivered to the registered webhook: an explicit
// stop directive plus the decision that triggered it.
type haltCallback struct {
	Directive string                    `json:"directive"`
	Decision  models.GovernanceDecision `json:"decision"`
}

// WebhookDispatcher delivers HALT callbacks at most once, fire-and-forget.
type WebhookDispatcher struct {
	registry *WebhookRegistry
	client   *http.Client
	timeout  time.Duration
	logger   *log.Logger
}

func NewWebhookDispatcher(registry *WebhookRegistry, timeout time.Duration, logger *log.Logger) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDispatcher{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		logger:   logger,
	}
}

// DispatchHalt posts the stop directive to the agent's webhook. Delivery
// failure is logged and not retried.
func (d *WebhookDispatcher) DispatchHalt(dec models.GovernanceDecision) {
	url, ok := d.registry.Resolve(dec.AgentID)
	if !ok {
		return
	}
	body, err := json.Marshal(haltCallback{Directive: "STOP", Decision: dec})
	if err != nil {
		d.logger.Printf("marshal halt callback for %s: %v", dec.AgentID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Printf("build halt callback for %s: %v", dec.AgentID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Printf("halt webhook for agent %s failed: %v", dec.AgentID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		telemetry.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.logger.Printf("halt webhook for agent %s returned %s", dec.AgentID, resp.Status)
		return
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
}
