package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAnnounceRetries bounds self-registration attempts.
const DefaultAnnounceRetries = 3

const announceBackoff = 2 * time.Second

// Announcer self-registers capability payloads against a remote registry
// endpoint. Agents run one at startup so the orchestrator discovers them
// without manual seeding.
type Announcer struct {
	client  *http.Client
	url     string
	retries int
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewAnnouncer builds an announcer targeting the given registration URL.
// A nil client falls back to http.DefaultClient; retries <= 0 falls back to
// DefaultAnnounceRetries.
func NewAnnouncer(client *http.Client, url string, retries int) (*Announcer, error) {
	if url == "" {
		return nil, fmt.Errorf("capability: registration url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if retries <= 0 {
		retries = DefaultAnnounceRetries
	}
	return &Announcer{client: client, url: url, retries: retries, sleep: sleepCtx}, nil
}

// Announce posts the payload to the registration endpoint, retrying transient
// failures with a fixed backoff. A 4xx response is terminal: the payload is
// malformed and retrying cannot help.
func (a *Announcer) Announce(ctx context.Context, payload RegisterPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("capability: encode registration: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < a.retries; attempt++ {
		if attempt > 0 {
			if err := a.sleep(ctx, announceBackoff); err != nil {
				return err
			}
		}
		lastErr = a.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		var terminal *announceError
		if errors.As(lastErr, &terminal) && terminal.terminal {
			return lastErr
		}
	}
	return fmt.Errorf("capability: registration failed after %d attempts: %w", a.retries, lastErr)
}

func (a *Announcer) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &announceError{
		status:   resp.StatusCode,
		body:     string(msg),
		terminal: resp.StatusCode >= 400 && resp.StatusCode < 500,
	}
}

type announceError struct {
	status   int
	body     string
	terminal bool
}

func (e *announceError) Error() string {
	return fmt.Sprintf("registration rejected: status %d: %s", e.status, e.body)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
