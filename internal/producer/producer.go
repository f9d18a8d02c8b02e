// Package producer talks to the external generation service. The service
// is a black box that accepts a generation request and answers with the
// event stream decoded by internal/stream.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"draftgate/internal/config"
)

// Request describes one generation attempt: the target, prior content when
// revising, and the plan of expected section names.
type Request struct {
	ProjectID    string   `json:"project_id"`
	Route        string   `json:"route"`
	Description  string   `json:"description"`
	PriorContent string   `json:"prior_content,omitempty"`
	Feedback     string   `json:"feedback,omitempty"`
	Sections     []string `json:"sections,omitempty"`
}

// Producer opens a generation event stream. The returned body must be
// closed by the caller; closing it aborts the generation on the wire.
type Producer interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// HTTPProducer is the HTTP implementation of Producer.
type HTTPProducer struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTP builds a producer client from config. The API key is read from
// the configured environment variable so it never lives in the config file.
func NewHTTP(cfg config.ProducerConfig) *HTTPProducer {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &HTTPProducer{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:  apiKey,
		// No overall timeout: the stream is long-lived. Idle detection
		// is the session's job.
		Client: &http.Client{},
	}
}

func (p *HTTPProducer) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("producer base_url not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("producer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}
