// Package twitchapi is a small Helix client for the endpoints the bot needs:
// user lookup, EventSub subscription creation, whispers and moderation. It also
// holds the app and user token sources.
//
// Every request goes through a rate limiter, a circuit breaker and a bounded
// retry: 5s per attempt, 3 attempts, 4xx responses are not retried.
package twitchapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/onnwee/chatrelay/telemetry"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("twitchapi: not found")

// StatusError is a non-2xx Helix response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix: HTTP %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// clientError reports 4xx responses other than 429, which retrying cannot fix.
func clientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}

// TokenGetter yields a bearer token.
type TokenGetter interface {
	Get(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenGetter.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Get(ctx context.Context) (string, error) { return f(ctx) }

// Options configures a HelixClient.
type Options struct {
	BaseURL    string
	ClientID   string
	AppToken   TokenGetter
	UserToken  TokenGetter
	HTTPClient *http.Client
	// RPS bounds outgoing requests per second. Zero means 10.
	RPS float64
	// AttemptTimeout bounds one HTTP attempt. Zero means 5s.
	AttemptTimeout time.Duration
	// RetryInterval is the first retry delay. Zero means 200ms.
	RetryInterval time.Duration
}

// HelixClient calls the Twitch Helix API.
type HelixClient struct {
	opts    Options
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]

	mu    sync.Mutex
	users map[string]cachedUser
}

type cachedUser struct {
	user    User
	expires time.Time
}

// NewHelixClient builds a client with defaults applied.
func NewHelixClient(opts Options) *HelixClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.twitch.tv/helix"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	hc := &HelixClient{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), int(opts.RPS)+1),
		users:   map[string]cachedUser{},
	}
	hc.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "helix",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 10 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || clientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", slog.String("name", name),
				slog.String("from", from.String()), slog.String("to", to.String()), slog.String("component", "helix"))
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
		},
	})
	return hc
}

// BreakerOpen reports whether the Helix circuit breaker is rejecting calls.
func (hc *HelixClient) BreakerOpen() bool {
	return hc.breaker.State() == gobreaker.StateOpen
}

type request struct {
	endpoint string
	method   string
	path     string
	query    url.Values
	body     any
	user     bool // use the bot user token instead of the app token
}

// do runs req with retry and decodes a JSON response into out when non-nil.
func (hc *HelixClient) do(ctx context.Context, req request, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "helix", "helix."+req.endpoint,
		telemetry.HTTPMethodAttr(req.method), telemetry.HelixEndpointAttr(req.endpoint))
	defer span.End()

	var payload []byte
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", req.endpoint, err)
		}
		payload = b
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = hc.opts.RetryInterval
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		if err := hc.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		b, err := hc.breaker.Execute(func() ([]byte, error) {
			return hc.attempt(ctx, req, payload)
		})
		if err != nil && clientError(err) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", req.endpoint, err)
		}
	}
	return nil
}

func (hc *HelixClient) attempt(ctx context.Context, req request, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, hc.opts.AttemptTimeout)
	defer cancel()

	tokens := hc.opts.AppToken
	if req.user {
		tokens = hc.opts.UserToken
	}
	if tokens == nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: no token source configured", req.endpoint))
	}
	tok, err := tokens.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: token: %w", req.endpoint, err)
	}

	u := hc.opts.BaseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, rdr)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Client-Id", hc.opts.ClientID)
	httpReq.Header.Set("Authorization", "Bearer "+tok)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.opts.HTTPClient.Do(httpReq)
	if telemetry.HelixDuration != nil {
		telemetry.HelixDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.IncVec(telemetry.HelixRequests, req.endpoint, "error")
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.IncVec(telemetry.HelixRequests, req.endpoint, strconv.Itoa(resp.StatusCode))
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	return b, nil
}
