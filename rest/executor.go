package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Executor serialises every request for one rate limit bucket.
type Executor struct {
	manager *Manager
	route   string
	queue   *AsyncQueue

	// requests between lookup and completion; pinned executors are never swept
	inFlight atomic.Int64

	// bucket is also read by the sweeper
	mu     sync.Mutex
	bucket bucket
}

func newExecutor(manager *Manager, route string) *Executor {
	return &Executor{
		manager: manager,
		route:   route,
		queue:   NewAsyncQueue(),
		bucket:  newBucket(),
	}
}

// Push waits for the bucket's turn, then executes the request. The turn is
// released however execute returns.
func (e *Executor) Push(ctx context.Context, req *Request) (*Response, error) {
	if err := e.queue.Wait(ctx); err != nil {
		return nil, err
	}
	defer e.queue.Shift()

	return e.execute(ctx, req)
}

func (e *Executor) localLimited(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bucket.limited(now)
}

func (e *Executor) limited(now time.Time) bool {
	return e.manager.global.limited(now) || e.localLimited(now)
}

func (e *Executor) inactive() bool {
	return e.inFlight.Load() == 0 && !e.limited(time.Now())
}

func (e *Executor) rateLimitData(req *Request, now time.Time) RateLimitData {
	data := RateLimitData{
		Method: req.Method,
		Path:   req.Path,
		Route:  req.Route,
	}

	var reset time.Time
	if e.manager.global.limited(now) {
		data.Global = true
		data.Limit, reset = e.manager.global.state()
	} else {
		e.mu.Lock()
		data.Limit, reset = e.bucket.limit, e.bucket.reset
		e.mu.Unlock()
	}

	data.Timeout = reset.Sub(now) + e.manager.options.TimeOffset
	if data.Timeout < 0 {
		data.Timeout = 0
	}

	return data
}

func (e *Executor) rateLimitError(req *Request, status int, data RateLimitData) error {
	err := newRequestError(ErrRateLimited, req, status, nil)
	err.RateLimit = &data
	return err
}

// awaitRateLimit blocks while either the global or the bucket limit is
// exhausted. Global waits share one delay across every bucket.
func (e *Executor) awaitRateLimit(ctx context.Context, req *Request) error {
	m := e.manager

	for {
		now := time.Now()
		if !e.limited(now) {
			return nil
		}

		data := e.rateLimitData(req, now)
		m.options.Metrics.RateLimit(e.route, data.Global)
		if hook := m.options.Hooks.OnRateLimit; hook != nil {
			hook(data)
		}

		if m.rejects(data) {
			return e.rateLimitError(req, 0, data)
		}

		if data.Global {
			select {
			case <-m.global.delayFor(data.Timeout):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err := sleep(ctx, data.Timeout); err != nil {
			return err
		}
	}
}

func (e *Executor) execute(ctx context.Context, req *Request) (*Response, error) {
	m := e.manager
	logger := req.logger()

	for {
		if err := e.awaitRateLimit(ctx, req); err != nil {
			return nil, err
		}

		m.global.consume(time.Now())
		e.mu.Lock()
		if e.bucket.remaining > 0 {
			e.bucket.remaining--
		}
		e.mu.Unlock()

		if hook := m.options.Hooks.OnRequest; hook != nil {
			hook(req)
		}

		res, err := m.send(ctx, req)
		if err != nil {
			var reqErr *RequestError
			if errors.As(err, &reqErr) {
				return nil, reqErr
			}

			if ctx.Err() != nil || req.Retries >= m.options.RetryLimit {
				return nil, newRequestError(ErrTransport, req, 0, err)
			}

			req.Retries++
			m.options.Metrics.Retry(e.route, "transport")
			logger.Debugf("rest: retrying after transport error: %s", err.Error())
			continue
		}

		if hook := m.options.Hooks.OnResponse; hook != nil {
			hook(req, res)
		}

		e.mu.Lock()
		sublimit := parseRateLimitHeaders(res.Header).apply(&e.bucket, m.global, e.route, time.Now())
		e.mu.Unlock()

		m.trackInvalid(res.StatusCode)

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return res, nil

		case res.StatusCode == http.StatusTooManyRequests:
			data := e.rateLimitData(req, time.Now())
			logger.Debugf("rest: hit a 429 (global: %t, limit: %d, timeout: %s, sublimit: %s)", data.Global, data.Limit, data.Timeout, sublimit)

			if m.rejects(data) {
				return nil, e.rateLimitError(req, res.StatusCode, data)
			}

			if err := sleep(ctx, sublimit); err != nil {
				return nil, err
			}

		case res.StatusCode >= 400 && res.StatusCode < 500:
			apiErr, err := decodeAPIError(res)
			if err != nil {
				return nil, newRequestError(ErrClientError, req, res.StatusCode, err)
			}

			if apiErr.CaptchaService == "" {
				kind := ErrClientError
				if res.StatusCode == http.StatusUnauthorized {
					kind = ErrAuth
				}

				reqErr := newRequestError(kind, req, res.StatusCode, nil)
				reqErr.API = apiErr
				return nil, reqErr
			}

			if hook := m.options.Hooks.OnChallengeRequired; hook != nil {
				hook(req, apiErr)
			}

			solver := m.captchaSolver()
			if solver == nil || req.Retries >= m.options.CaptchaRetryLimit || !solvable(apiErr) {
				reqErr := newRequestError(ErrChallengeRequired, req, res.StatusCode, nil)
				reqErr.API = apiErr
				return nil, reqErr
			}

			logger.Debugf("rest: solving %s captcha", apiErr.CaptchaService)
			key, err := solver.Solve(ctx, apiErr, m.options.UserAgent)
			if err != nil {
				reqErr := newRequestError(ErrChallengeRequired, req, res.StatusCode, err)
				reqErr.API = apiErr
				return nil, reqErr
			}

			req.captchaKey = key
			req.captchaRqtoken = apiErr.CaptchaRqtoken
			req.Retries++
			m.options.Metrics.Retry(e.route, "captcha")

		case res.StatusCode >= 500:
			if req.Retries >= m.options.RetryLimit {
				return nil, newRequestError(ErrServerError, req, res.StatusCode, errors.New(http.StatusText(res.StatusCode)))
			}

			req.Retries++
			m.options.Metrics.Retry(e.route, "server")
			logger.Debugf("rest: retrying after status %d", res.StatusCode)

		default:
			return res, nil
		}
	}
}

func decodeAPIError(res *Response) (*APIError, error) {
	apiErr := &APIError{}
	if len(res.Body) == 0 {
		apiErr.Message = http.StatusText(res.StatusCode)
		return apiErr, nil
	}

	if err := res.Decode(apiErr); err != nil {
		return nil, fmt.Errorf("error decoding error response: %w", err)
	}

	return apiErr, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Request) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"request_id": r.id,
		"method":     r.Method,
		"path":       r.Path,
		"route":      r.Route,
	})
}
