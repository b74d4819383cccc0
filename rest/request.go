package rest

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/TicketsBot/gatewayclient/internal/jsoncodec"
)

type File struct {
	// Key is the form field name, defaulting to files[n].
	Key  string
	Name string
	Data []byte
}

type RequestOptions struct {
	Query   url.Values
	Body    any
	Files   []File
	Reason  string
	Headers http.Header
	// NoAuth omits the Authorization header.
	NoAuth bool
	// Unversioned sends the request to the API root instead of /v{version}.
	Unversioned bool
	// FormFields sends a multipart body's fields individually instead of as
	// payload_json. Only string values are sent.
	FormFields bool
}

// Request is a single call as it travels through an executor. Retries counts
// the transport, server and captcha retries made so far.
type Request struct {
	Method  string
	Path    string
	Route   string
	Options RequestOptions
	Retries int

	id             string
	captchaKey     string
	captchaRqtoken string
}

func (r *Request) url(api string, version int) string {
	base := api
	if !r.Options.Unversioned {
		base = fmt.Sprintf("%s/v%d", api, version)
	}

	u := base + r.Path
	if len(r.Options.Query) > 0 {
		u += "?" + r.Options.Query.Encode()
	}

	return u
}

// body encodes the request payload, returning the content type to send.
func (r *Request) body() (io.Reader, string, error) {
	if len(r.Options.Files) > 0 {
		return r.multipartBody()
	}

	if r.Options.Body == nil && r.captchaKey == "" {
		return nil, "", nil
	}

	payload := r.Options.Body
	if r.captchaKey != "" {
		fields, err := r.withCaptcha()
		if err != nil {
			return nil, "", err
		}

		payload = fields
	}

	encoded, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, "", err
	}

	return bytes.NewReader(encoded), "application/json", nil
}

// withCaptcha re-encodes the body as an object carrying the solved captcha.
func (r *Request) withCaptcha() (map[string]any, error) {
	fields := make(map[string]any)
	if r.Options.Body != nil {
		encoded, err := jsoncodec.Marshal(r.Options.Body)
		if err != nil {
			return nil, err
		}

		if err := jsoncodec.Unmarshal(encoded, &fields); err != nil {
			return nil, fmt.Errorf("captcha can only be attached to object bodies: %w", err)
		}
	}

	fields["captcha_key"] = r.captchaKey
	if r.captchaRqtoken != "" {
		fields["captcha_rqtoken"] = r.captchaRqtoken
	}

	return fields, nil
}

func (r *Request) multipartBody() (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for i, file := range r.Options.Files {
		key := file.Key
		if key == "" {
			key = fmt.Sprintf("files[%d]", i)
		}

		part, err := writer.CreateFormFile(key, file.Name)
		if err != nil {
			return nil, "", err
		}

		if _, err := part.Write(file.Data); err != nil {
			return nil, "", err
		}
	}

	if r.Options.Body != nil {
		if r.Options.FormFields {
			fields := make(map[string]any)
			encoded, err := jsoncodec.Marshal(r.Options.Body)
			if err != nil {
				return nil, "", err
			}

			if err := jsoncodec.Unmarshal(encoded, &fields); err != nil {
				return nil, "", err
			}

			for key, value := range fields {
				if str, ok := value.(string); ok {
					if err := writer.WriteField(key, str); err != nil {
						return nil, "", err
					}
				}
			}
		} else {
			encoded, err := jsoncodec.Marshal(r.Options.Body)
			if err != nil {
				return nil, "", err
			}

			if err := writer.WriteField("payload_json", string(encoded)); err != nil {
				return nil, "", err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return &buf, writer.FormDataContentType(), nil
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Decode(v any) error {
	return jsoncodec.Unmarshal(r.Body, v)
}
