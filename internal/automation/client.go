// Package automation is the outbound client for the workflow-automation
// webhook that performs the actual social-network publishing and delivers
// team notifications. Dispatch is single-attempt: callers are responsible for
// compensating local state when a dispatch fails.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type Options struct {
	WebhookURL string
	Secret     string // sent as X-Automation-Secret when set
	Timeout    time.Duration
	// RequestsPerSecond/Burst bound outbound calls so a burst of schedule
	// requests can't hammer the automation endpoint. Zero means 5 rps / 5.
	RequestsPerSecond float64
	Burst             int
}

type Client struct {
	url     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	return &Client{
		url:     strings.TrimSpace(opts.WebhookURL),
		secret:  strings.TrimSpace(opts.Secret),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
	}
}

// Configured reports whether a webhook URL was provided. Callers treat an
// unconfigured client as a dispatch failure so tracking rows never sit in a
// non-terminal state with no actor responsible for them.
func (c *Client) Configured() bool {
	return c != nil && c.url != ""
}

type PublishTarget struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	AccountID string `json:"accountId"`
	TargetID  string `json:"targetId"`
}

// PublishPayload is the fan-out handoff body: one webhook call carries every
// tracking row created for a single schedule() batch.
type PublishPayload struct {
	PostID      string          `json:"postId"`
	UserID      string          `json:"userId"`
	Mode        string          `json:"mode"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	SocialPosts []PublishTarget `json:"socialPosts"`
}

// TeamEventPayload carries approval/invite notifications.
type TeamEventPayload struct {
	Event      string `json:"event"`
	TeamID     string `json:"team_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	AssignedTo string `json:"assigned_to,omitempty"`
}

func (c *Client) NotifyPublish(ctx context.Context, p PublishPayload) error {
	return c.post(ctx, p)
}

func (c *Client) NotifyTeamEvent(ctx context.Context, p TeamEventPayload) error {
	return c.post(ctx, p)
}

func (c *Client) post(ctx context.Context, body any) error {
	if !c.Configured() {
		return fmt.Errorf("automation webhook not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Automation-Secret", c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// The automation endpoint's response body is not consumed beyond success/failure.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("automation webhook returned status %d", resp.StatusCode)
	}
	return nil
}
