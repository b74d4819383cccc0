package rest

import (
	"context"
	"strings"
)

// CaptchaSolver turns a captcha challenge into a solution token. userAgent is
// the agent the request was made with, as some solvers must impersonate it.
type CaptchaSolver interface {
	Solve(ctx context.Context, challenge *APIError, userAgent string) (string, error)
}

type SolverFunc func(ctx context.Context, challenge *APIError, userAgent string) (string, error)

func (f SolverFunc) Solve(ctx context.Context, challenge *APIError, userAgent string) (string, error) {
	return f(ctx, challenge, userAgent)
}

var solvableCaptchaMessages = []string{
	"incorrect-captcha",
	"response-already-used",
	"captcha-required",
	"invalid-input-response",
	"invalid-response",
	"You need to update your app",
}

func solvable(apiErr *APIError) bool {
	if apiErr == nil || apiErr.CaptchaService == "" || len(apiErr.CaptchaKey) == 0 {
		return false
	}

	for _, message := range solvableCaptchaMessages {
		if strings.Contains(apiErr.CaptchaKey[0], message) {
			return true
		}
	}

	return false
}
