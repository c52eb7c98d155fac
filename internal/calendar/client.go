// Package calendar provides the client for the external Graph-style calendar API.
package calendar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/calendar-sync-engine/backend/internal/event"
)

// TokenProvider supplies a bearer credential for an external account.
type TokenProvider interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context, accountID string) (string, error)

// AccessToken calls f.
func (f TokenProviderFunc) AccessToken(ctx context.Context, accountID string) (string, error) {
	return f(ctx, accountID)
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	// Timeout bounds every single HTTP attempt.
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps backoff. A Retry-After longer than MaxDelay is returned to the
	// caller as a rate-limit error instead of being slept through.
	MaxDelay time.Duration
	Logger   logrus.FieldLogger
}

// Client issues event and subscription calls against the provider.
type Client struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	timeout       time.Duration
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	logger        logrus.FieldLogger
	now           func() time.Time
}

// NewClient creates a new calendar API client.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		timeout:       timeout,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		logger:        logger,
		now:           time.Now,
	}
}

// GetEvent fetches a single event. Returns ErrNotFound when it no longer exists.
func (c *Client) GetEvent(ctx context.Context, accountID, calendarID, eventID string) (*event.Event, error) {
	var g graphEvent
	if err := c.do(ctx, accountID, http.MethodGet, c.eventPath(calendarID, eventID), nil, &g); err != nil {
		return nil, fmt.Errorf("getting event %s: %w", eventID, err)
	}
	return fromGraphEvent(&g), nil
}

// ListEvents returns every event overlapping [from, to), following pagination.
func (c *Client) ListEvents(ctx context.Context, accountID, calendarID string, from, to time.Time) ([]event.Event, error) {
	params := url.Values{}
	params.Set("startDateTime", from.UTC().Format(time.RFC3339))
	params.Set("endDateTime", to.UTC().Format(time.RFC3339))
	params.Set("$orderby", "start/dateTime")

	next := c.baseURL + c.calendarPath(calendarID) + "/calendarView?" + params.Encode()
	var events []event.Event
	for next != "" {
		var page graphEventPage
		if err := c.do(ctx, accountID, http.MethodGet, next, nil, &page); err != nil {
			return nil, fmt.Errorf("listing events: %w", err)
		}
		for i := range page.Value {
			events = append(events, *fromGraphEvent(&page.Value[i]))
		}
		next = page.NextLink
	}
	return events, nil
}

// CreateEvent creates an event and returns the provider's version of it.
func (c *Client) CreateEvent(ctx context.Context, accountID, calendarID string, ev *event.Event) (*event.Event, error) {
	var g graphEvent
	if err := c.do(ctx, accountID, http.MethodPost, c.calendarPath(calendarID)+"/events", toGraphEvent(ev), &g); err != nil {
		return nil, fmt.Errorf("creating event: %w", err)
	}
	return fromGraphEvent(&g), nil
}

// UpdateEvent patches an existing event and returns the provider's version of it.
func (c *Client) UpdateEvent(ctx context.Context, accountID, calendarID string, ev *event.Event) (*event.Event, error) {
	var g graphEvent
	if err := c.do(ctx, accountID, http.MethodPatch, c.eventPath(calendarID, ev.ID), toGraphEvent(ev), &g); err != nil {
		return nil, fmt.Errorf("updating event %s: %w", ev.ID, err)
	}
	return fromGraphEvent(&g), nil
}

// DeleteEvent deletes an event. Returns ErrNotFound if it is already gone.
func (c *Client) DeleteEvent(ctx context.Context, accountID, calendarID, eventID string) error {
	if err := c.do(ctx, accountID, http.MethodDelete, c.eventPath(calendarID, eventID), nil, nil); err != nil {
		return fmt.Errorf("deleting event %s: %w", eventID, err)
	}
	return nil
}

// SubscriptionRequest describes a webhook registration.
type SubscriptionRequest struct {
	Resource        string
	ChangeType      string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
}

// Subscription is a registered webhook.
type Subscription struct {
	ID        string
	Resource  string
	ExpiresAt time.Time
}

// CreateSubscription registers a change-notification webhook.
func (c *Client) CreateSubscription(ctx context.Context, accountID string, req SubscriptionRequest) (*Subscription, error) {
	body := graphSubscription{
		ChangeType:         req.ChangeType,
		NotificationURL:    req.NotificationURL,
		Resource:           req.Resource,
		ExpirationDateTime: req.ExpiresAt.UTC().Format(time.RFC3339),
		ClientState:        req.ClientState,
	}

	var g graphSubscription
	if err := c.do(ctx, accountID, http.MethodPost, "/subscriptions", body, &g); err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}
	return toSubscription(&g)
}

// RenewSubscription extends the expiry of an existing subscription.
func (c *Client) RenewSubscription(ctx context.Context, accountID, subscriptionID string, expiresAt time.Time) (*Subscription, error) {
	body := graphSubscription{ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339)}

	var g graphSubscription
	if err := c.do(ctx, accountID, http.MethodPatch, "/subscriptions/"+url.PathEscape(subscriptionID), body, &g); err != nil {
		return nil, fmt.Errorf("renewing subscription %s: %w", subscriptionID, err)
	}
	if g.ID == "" {
		g.ID = subscriptionID
	}
	return toSubscription(&g)
}

// DeleteSubscription removes a subscription. Returns ErrNotFound if it is already gone.
func (c *Client) DeleteSubscription(ctx context.Context, accountID, subscriptionID string) error {
	if err := c.do(ctx, accountID, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionID), nil, nil); err != nil {
		return fmt.Errorf("deleting subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func toSubscription(g *graphSubscription) (*Subscription, error) {
	expiresAt, err := time.Parse(time.RFC3339Nano, g.ExpirationDateTime)
	if err != nil {
		return nil, fmt.Errorf("parsing subscription expiry %q: %w", g.ExpirationDateTime, err)
	}
	return &Subscription{ID: g.ID, Resource: g.Resource, ExpiresAt: expiresAt.UTC()}, nil
}

func (c *Client) calendarPath(calendarID string) string {
	if calendarID == "" {
		return "/me/calendar"
	}
	return "/me/calendars/" + url.PathEscape(calendarID)
}

func (c *Client) eventPath(calendarID, eventID string) string {
	return c.calendarPath(calendarID) + "/events/" + url.PathEscape(eventID)
}

// do performs one logical API call with retries. target may be a path relative
// to the base URL or an absolute URL (pagination links).
func (c *Client) do(ctx context.Context, accountID, method, target string, payload, out any) error {
	if c.tokenProvider == nil {
		return fmt.Errorf("calendar token provider is required")
	}
	token, err := c.tokenProvider.AccessToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("obtaining access token: %w: %w", ErrUnauthorized, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return &ProviderError{Kind: ErrUnauthorized, Message: "empty access token"}
	}

	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	endpoint := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		endpoint = c.baseURL + target
	}

	log := c.logger.WithFields(logrus.Fields{"method": method, "account_id": accountID})
	for attempt := 0; ; attempt++ {
		status, header, respBody, err := c.attempt(ctx, method, endpoint, token, body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				log.WithError(err).WithField("attempt", attempt+1).Debug("Calendar request failed, retrying")
				if waitErr := sleepContext(ctx, c.backoff(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &ProviderError{Kind: ErrProviderUnavailable, Message: err.Error()}
		}

		if status >= 200 && status <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return nil
		}

		perr := newProviderError(status, respBody)
		if status == http.StatusTooManyRequests {
			perr.RetryAfter = parseRetryAfter(header.Get("Retry-After"), c.now())
			if perr.RetryAfter <= 0 {
				perr.RetryAfter = c.backoff(attempt + 1)
			}
			if perr.RetryAfter > c.maxDelay || attempt >= c.maxRetries {
				return perr
			}
			log.WithField("retry_after", perr.RetryAfter).Warn("Calendar provider rate limited request")
			if waitErr := sleepContext(ctx, perr.RetryAfter); waitErr != nil {
				return waitErr
			}
			continue
		}

		if status >= 500 && attempt < c.maxRetries {
			log.WithFields(logrus.Fields{"status": status, "attempt": attempt + 1}).Debug("Calendar provider error, retrying")
			if waitErr := sleepContext(ctx, c.backoff(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		return perr
	}
}

// attempt performs a single HTTP exchange bounded by the per-call timeout.
func (c *Client) attempt(ctx context.Context, method, endpoint, token string, body []byte) (int, http.Header, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func newProviderError(status int, body []byte) *ProviderError {
	perr := &ProviderError{Kind: kindForStatus(status), Status: status}
	var parsed graphError
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Code != "" {
		perr.Code = parsed.Error.Code
		perr.Message = parsed.Error.Message
	} else {
		perr.Message = strings.TrimSpace(string(body))
	}
	return perr
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
