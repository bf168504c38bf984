package compound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// client is a minimal authenticated HTTP client for the orchestration
// server; the runner is just another API consumer.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// healthy probes the health endpoint with a short deadline.
func (c *client) healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := c.do(probeCtx, http.MethodGet, "/health", nil, nil)
	return err == nil
}

// authenticate exchanges the shared secret for a bearer token and keeps
// it for subsequent calls. Open servers still issue tokens.
func (c *client) authenticate(ctx context.Context, secret string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth", map[string]string{"secret": secret}, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *client) createSwarm(ctx context.Context, name string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/swarms", map[string]string{"name": name}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *client) registerWorker(ctx context.Context, handle, teamName, workingDir, swarmID string) error {
	return c.do(ctx, http.MethodPost, "/orchestrate/register", map[string]string{
		"handle":     handle,
		"teamName":   teamName,
		"workingDir": workingDir,
		"swarmId":    swarmID,
	}, nil)
}

func (c *client) injectOutput(ctx context.Context, handle, text string) error {
	return c.do(ctx, http.MethodPost, "/orchestrate/inject/"+handle,
		map[string]string{"text": text}, nil)
}

func (c *client) dismissWorker(ctx context.Context, handle string) error {
	return c.do(ctx, http.MethodPost, "/orchestrate/dismiss/"+handle, nil, nil)
}
