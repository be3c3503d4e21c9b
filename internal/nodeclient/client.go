// Package nodeclient talks to the HTTP endpoint of a worker node.
package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cascade/internal/domain"
)

const healthPath = "/health"

type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxAttempts:    maxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("component", "nodeclient"),
	}
}

// AuthorizationHeader formats an AK-SK pair the way nodes expect it.
func AuthorizationHeader(creds domain.Credentials) string {
	return "AK-SK " + creds.APIKey + ":" + creds.APISecret
}

// Probe checks that the node at endpoint is up and accepts creds.
// Rejected credentials wrap domain.ErrUnauthorized and are not retried.
// Every other failure wraps domain.ErrUnreachable.
func (c *Client) Probe(ctx context.Context, endpoint string, creds domain.Credentials) error {
	url := endpoint + healthPath

	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.doRequest(ctx, url, creds)
		if err == nil || errors.Is(err, domain.ErrUnauthorized) {
			return err
		}

		if attempt == c.maxAttempts {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.logger.Warn("probe failed, retrying",
			"endpoint", endpoint,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrUnreachable, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("after %d attempts: %w", c.maxAttempts, err)
}

func (c *Client) doRequest(ctx context.Context, url string, creds domain.Credentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", domain.ErrUnreachable, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Cascade/1.0")
	req.Header.Set("Authorization", AuthorizationHeader(creds))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: execute request: %v", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: node rejected credentials with status %d", domain.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: unexpected status: %d", domain.ErrUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.initialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff
}
