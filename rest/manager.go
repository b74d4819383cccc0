package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/TicketsBot/gatewayclient/cache"
	"github.com/TicketsBot/gatewayclient/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	API       string
	Version   int
	UserAgent string
	// TokenType prefixes the token in the Authorization header. Empty sends
	// the bare token.
	TokenType string

	RequestTimeout time.Duration
	RetryLimit     int
	// TimeOffset is added to every rate limit wait to absorb clock drift.
	TimeOffset time.Duration
	// GlobalRateLimit caps requests per second across all buckets; 0 leaves
	// only server-reported global limits.
	GlobalRateLimit               int
	InvalidRequestWarningInterval int
	CaptchaRetryLimit             int
	// SweepInterval removes idle executors; 0 keeps them for the manager's
	// lifetime.
	SweepInterval time.Duration
	Proxy         string

	// RejectOnRateLimit makes a request fail with ErrRateLimited instead of
	// waiting when it returns true.
	RejectOnRateLimit func(RateLimitData) bool

	Hooks      Hooks
	Metrics    *metrics.Rest
	HTTPClient *http.Client
}

type Hooks struct {
	OnRateLimit             func(RateLimitData)
	OnInvalidRequestWarning func(InvalidRequestWarning)
	OnChallengeRequired     func(*Request, *APIError)
	OnRequest               func(*Request)
	OnResponse              func(*Request, *Response)
}

type InvalidRequestWarning struct {
	Count         int
	RemainingTime time.Duration
}

func DefaultOptions() Options {
	return Options{
		API:               "https://discord.com/api",
		Version:           10,
		UserAgent:         "DiscordBot (https://github.com/TicketsBot/gatewayclient, 1.0.0)",
		TokenType:         "Bot",
		RequestTimeout:    15 * time.Second,
		RetryLimit:        1,
		TimeOffset:        500 * time.Millisecond,
		CaptchaRetryLimit: 3,
	}
}

type Manager struct {
	options   Options
	client    *http.Client
	executors *cache.Collection[string, *Executor]
	global    *globalLimit
	invalid   invalidRequests
	tracer    trace.Tracer

	mu     sync.RWMutex
	token  string
	solver CaptchaSolver

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(options Options) (*Manager, error) {
	defaults := DefaultOptions()
	if options.API == "" {
		options.API = defaults.API
	}

	if options.Version == 0 {
		options.Version = defaults.Version
	}

	if options.UserAgent == "" {
		options.UserAgent = defaults.UserAgent
	}

	if options.RequestTimeout <= 0 {
		options.RequestTimeout = defaults.RequestTimeout
	}

	client := options.HTTPClient
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		if options.Proxy != "" {
			proxy, err := url.Parse(options.Proxy)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy url: %w", err)
			}

			transport.Proxy = http.ProxyURL(proxy)
		}

		client = &http.Client{
			Jar:       jar,
			Transport: transport,
		}
	}

	m := &Manager{
		options:   options,
		client:    client,
		executors: cache.NewCollection[string, *Executor](),
		global:    newGlobalLimit(options.GlobalRateLimit),
		tracer:    otel.Tracer("github.com/TicketsBot/gatewayclient/rest"),
		stop:      make(chan struct{}),
	}

	if options.SweepInterval > 0 {
		go m.sweepLoop()
	}

	return m, nil
}

func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

func (m *Manager) SetCaptchaSolver(solver CaptchaSolver) {
	m.mu.Lock()
	m.solver = solver
	m.mu.Unlock()
}

func (m *Manager) captchaSolver() CaptchaSolver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.solver
}

func (m *Manager) authorization() (string, error) {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()

	if token == "" {
		return "", ErrTokenMissing
	}

	if m.options.TokenType == "" {
		return token, nil
	}

	return m.options.TokenType + " " + token, nil
}

// Execute queues req on its bucket's executor, creating the executor on first
// use, and waits for the result.
func (m *Manager) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req.id == "" {
		req.id = uuid.New().String()
	}

	ctx, span := m.tracer.Start(ctx, "rest.Execute", trace.WithAttributes(
		attribute.String("request.id", req.id),
		attribute.String("http.method", req.Method),
		attribute.String("rest.route", req.Route),
	))
	defer span.End()

	executor := m.acquireExecutor(req.Route)
	defer executor.inFlight.Add(-1)

	res, err := executor.Push(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode), attribute.Int("rest.retries", req.Retries))
	return res, nil
}

// acquireExecutor pins the route's executor under the collection lock, which
// the sweeper also holds while it checks for inactive executors.
func (m *Manager) acquireExecutor(route string) *Executor {
	return m.executors.Compute(route, func(executor *Executor, ok bool) *Executor {
		if !ok {
			executor = newExecutor(m, route)
		}

		executor.inFlight.Add(1)
		return executor
	})
}

func (m *Manager) Do(ctx context.Context, method string, route *Route, options RequestOptions) (*Response, error) {
	return m.Execute(ctx, route.Request(method, options))
}

func (m *Manager) rejects(data RateLimitData) bool {
	return m.options.RejectOnRateLimit != nil && m.options.RejectOnRateLimit(data)
}

func (m *Manager) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	body, contentType, err := req.body()
	if err != nil {
		return nil, newRequestError(ErrClientError, req, 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.url(m.options.API, m.options.Version), body)
	if err != nil {
		return nil, newRequestError(ErrClientError, req, 0, err)
	}

	httpReq.Header.Set("User-Agent", m.options.UserAgent)
	httpReq.Header.Set("Accept", "*/*")

	if !req.Options.NoAuth {
		authorization, err := m.authorization()
		if err != nil {
			return nil, newRequestError(ErrAuth, req, 0, err)
		}

		httpReq.Header.Set("Authorization", authorization)
	}

	if req.Options.Reason != "" {
		httpReq.Header.Set("X-Audit-Log-Reason", url.PathEscape(req.Options.Reason))
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	for key, values := range req.Options.Headers {
		httpReq.Header[http.CanonicalHeaderKey(key)] = values
	}

	return httpReq, nil
}

// send makes a single attempt, bounded by RequestTimeout.
func (m *Manager) send(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, m.options.RequestTimeout)
	defer cancel()

	httpReq, err := m.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, err := m.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	m.options.Metrics.Request(req.Route, req.Method, res.StatusCode, time.Since(started))

	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}, nil
}

type invalidRequests struct {
	mu    sync.Mutex
	count int
	reset time.Time
}

// add counts one invalid request in the current ten minute window.
func (i *invalidRequests) add(now time.Time) (int, time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.reset.IsZero() || i.reset.Before(now) {
		i.reset = now.Add(10 * time.Minute)
		i.count = 0
	}

	i.count++
	return i.count, i.reset.Sub(now)
}

func (m *Manager) trackInvalid(status int) {
	if status != http.StatusUnauthorized && status != http.StatusForbidden && status != http.StatusTooManyRequests {
		return
	}

	count, remaining := m.invalid.add(time.Now())
	m.options.Metrics.InvalidRequests(count)

	interval := m.options.InvalidRequestWarningInterval
	if interval <= 0 || count%interval != 0 {
		return
	}

	logrus.Warnf("rest: %d invalid requests made, window resets in %s", count, remaining)
	if hook := m.options.Hooks.OnInvalidRequestWarning; hook != nil {
		hook(InvalidRequestWarning{
			Count:         count,
			RemainingTime: remaining,
		})
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if swept := m.executors.Sweep(func(_ string, executor *Executor) bool {
				return executor.inactive()
			}); swept > 0 {
				logrus.Debugf("rest: swept %d inactive executors", swept)
			}
		case <-m.stop:
			return
		}
	}
}

// Executors is the number of memoized bucket executors.
func (m *Manager) Executors() int {
	return m.executors.Len()
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

func (m *Manager) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	res, err := m.Do(ctx, http.MethodGet, NewRoute("gateway", "bot"), RequestOptions{})
	if err != nil {
		return nil, err
	}

	var gateway GatewayBot
	if err := res.Decode(&gateway); err != nil {
		return nil, err
	}

	return &gateway, nil
}

// Gateway fetches the gateway url without authenticating, for tokens that
// cannot use the bot endpoint.
func (m *Manager) Gateway(ctx context.Context) (string, error) {
	res, err := m.Do(ctx, http.MethodGet, NewRoute("gateway"), RequestOptions{NoAuth: true})
	if err != nil {
		return "", err
	}

	var body struct {
		URL string `json:"url"`
	}

	if err := res.Decode(&body); err != nil {
		return "", err
	}

	return body.URL, nil
}
