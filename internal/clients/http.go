// Package clients wraps the HTTP collaborators consumed by the dispatch
// pipeline: the user-preference service, the template renderer, and the
// notification-status endpoint. They are thin I/O wrappers with fixed
// contracts; no retry or classification logic lives here.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound indicates the collaborator answered but the entity does
// not exist (e.g. unknown user id).
var ErrNotFound = errors.New("not found")

// Config holds settings shared by all collaborator clients.
type Config struct {
	Timeout      time.Duration
	ServiceToken string
}

// envelope is the response wrapper every collaborator uses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// serviceClient performs authenticated JSON calls to internal services.
type serviceClient struct {
	http   *http.Client
	token  string
	logger *zap.Logger
}

func newServiceClient(cfg Config, logger *zap.Logger) *serviceClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &serviceClient{
		http:   &http.Client{Timeout: timeout},
		token:  cfg.ServiceToken,
		logger: logger,
	}
}

// do issues a request and decodes the envelope's data field into out.
// A 404 maps to ErrNotFound; any other non-200 is a transport error.
func (c *serviceClient) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.token)
	req.Header.Set("X-Service-Name", "email_service")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("service call failed",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("response", raw),
		)
		return fmt.Errorf("service returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if !env.Success {
		return fmt.Errorf("service rejected request: %s", env.Message)
	}

	if out != nil {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return ErrNotFound
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}

	return nil
}
