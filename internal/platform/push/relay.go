// Package push contains the relay channel: a stateless push client that
// delivers a payload to a connection via an external push API, addressed by
// connection id. It is how a process delivers to sockets it does not hold.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixzhu97/whatschat-sub000/pkg/realtime"
)

// DefaultTimeout bounds a single push call. A timeout is treated the same as
// an explicit "gone" signal so that one unreachable endpoint cannot hang a
// fan-out.
const DefaultTimeout = 5 * time.Second

// httpDoer defines the subset of http.Client we need.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RelayClient posts payloads to `{endpoint}/connections/{connectionId}`.
// The push API answers 410 Gone (or 404) when the connection no longer
// exists; both map to realtime.ErrConnectionGone, which tells the router to
// prune the registry entry.
type RelayClient struct {
	endpoint string
	client   httpDoer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRelayClient is the constructor for the RelayClient.
func NewRelayClient(endpoint string, timeout time.Duration, client httpDoer, logger *slog.Logger) (*RelayClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("push endpoint cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &RelayClient{
		endpoint: endpoint,
		client:   client,
		timeout:  timeout,
		logger:   logger.With("component", "relay_client"),
	}, nil
}

// Send pushes one payload to one connection. Timeouts and "gone" responses
// return an error wrapping realtime.ErrConnectionGone; other failures return
// a plain error and leave the registry entry alone.
func (c *RelayClient) Send(ctx context.Context, connectionID string, payload []byte) error {
	log := c.logger.With("connection", connectionID)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/connections/%s", c.endpoint, connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Debug("Push call timed out, treating connection as gone")
			return fmt.Errorf("push call timed out: %w", realtime.ErrConnectionGone)
		}
		return fmt.Errorf("push call failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		log.Debug("Push endpoint reports connection gone", "status", resp.StatusCode)
		return fmt.Errorf("push endpoint returned %d: %w", resp.StatusCode, realtime.ErrConnectionGone)
	default:
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
}
