// Package generator adapts the external analysis service to the
// orchestrator's Generator contract. The service owns recommendation
// content; this package only carries the per-tenant call and its
// result counts.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/sellerpulse/internal/orchestrator"
)

const defaultTimeout = 60 * time.Second

// generateRequest is the body POSTed to the analysis service.
type generateRequest struct {
	TenantID string `json:"tenant_id"`
}

// generateResponse is the analysis service's reply. Errors are
// per-recommendation failures; the call itself still succeeded.
type generateResponse struct {
	Recommendations int      `json:"recommendations"`
	Errors          []string `json:"errors"`
}

// HTTPGenerator calls a remote analysis service once per tenant.
type HTTPGenerator struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

// Option configures an HTTPGenerator.
type Option func(*HTTPGenerator)

// WithTimeout bounds each generation call.
func WithTimeout(d time.Duration) Option {
	return func(g *HTTPGenerator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *HTTPGenerator) { g.client = c }
}

// NewHTTP creates a generator posting to url.
func NewHTTP(url string, opts ...Option) *HTTPGenerator {
	g := &HTTPGenerator{
		client:  &http.Client{},
		url:     url,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate asks the analysis service to process one tenant. The
// service publishes its own recommendation envelopes; only counts
// come back here.
func (g *HTTPGenerator) Generate(ctx context.Context, tenantID uuid.UUID) (orchestrator.GenerateResult, error) {
	body, err := json.Marshal(generateRequest{TenantID: tenantID.String()})
	if err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("marshal: %w", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return orchestrator.GenerateResult{}, fmt.Errorf("generator returned status %d", resp.StatusCode)
	}

	var gr generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&gr); err != nil {
		return orchestrator.GenerateResult{}, fmt.Errorf("decode response: %w", err)
	}

	result := orchestrator.GenerateResult{Recommendations: gr.Recommendations}
	if len(gr.Errors) > 0 {
		for _, msg := range gr.Errors {
			log.Printf("generator: tenant %s partial failure: %s", tenantID, msg)
		}
		if gr.Recommendations == 0 {
			return result, fmt.Errorf("generation failed for tenant %s: %s", tenantID, gr.Errors[0])
		}
	}
	return result, nil
}

// Noop satisfies the Generator contract when no analysis service is
// configured. Cycles still run and tenant state is still recorded.
type Noop struct{}

func (Noop) Generate(ctx context.Context, tenantID uuid.UUID) (orchestrator.GenerateResult, error) {
	return orchestrator.GenerateResult{}, nil
}

var (
	_ orchestrator.Generator = (*HTTPGenerator)(nil)
	_ orchestrator.Generator = Noop{}
)
