package rest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransport         = errors.New("transport error")
	ErrRateLimited       = errors.New("rate limited")
	ErrChallengeRequired = errors.New("captcha challenge required")
	ErrClientError       = errors.New("client error")
	ErrServerError       = errors.New("server error")
	ErrAuth              = errors.New("authentication error")
	ErrTokenMissing      = errors.New("no token has been set")
)

// APIError is the error payload returned with non-429 4xx responses.
type APIError struct {
	Code           int            `json:"code"`
	Message        string         `json:"message"`
	Errors         map[string]any `json:"errors,omitempty"`
	CaptchaKey     []string       `json:"captcha_key,omitempty"`
	CaptchaSitekey string         `json:"captcha_sitekey,omitempty"`
	CaptchaService string         `json:"captcha_service,omitempty"`
	CaptchaRqdata  string         `json:"captcha_rqdata,omitempty"`
	CaptchaRqtoken string         `json:"captcha_rqtoken,omitempty"`
}

func (e *APIError) Error() string {
	if e.CaptchaService != "" {
		return fmt.Sprintf("captcha required (%s): %s", e.CaptchaService, strings.Join(e.CaptchaKey, ", "))
	}

	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// RequestError is returned by Execute for every terminal failure. Kind is one
// of the package sentinels and can be matched with errors.Is.
type RequestError struct {
	Kind      error
	Method    string
	Path      string
	Route     string
	Status    int
	Retries   int
	API       *APIError
	RateLimit *RateLimitData
	Err       error
}

func newRequestError(kind error, req *Request, status int, err error) *RequestError {
	return &RequestError{
		Kind:    kind,
		Method:  req.Method,
		Path:    req.Path,
		Route:   req.Route,
		Status:  status,
		Retries: req.Retries,
		Err:     err,
	}
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Kind.Error())
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}

	switch {
	case e.API != nil:
		msg += ": " + e.API.Error()
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *RequestError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.API != nil {
		errs = append(errs, e.API)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}
