package rest

import (
	"regexp"
	"strings"
)

var snowflake = regexp.MustCompile(`\d{16,19}`)

// Route accumulates path segments. Routes are immutable: Add returns a copy.
type Route struct {
	segments []string
}

func NewRoute(segments ...string) *Route {
	return (&Route{}).Add(segments...)
}

func (r *Route) Add(segments ...string) *Route {
	route := &Route{
		segments: make([]string, 0, len(r.segments)+len(segments)),
	}

	route.segments = append(route.segments, r.segments...)
	for _, segment := range segments {
		if segment != "" {
			route.segments = append(route.segments, segment)
		}
	}

	return route
}

func (r *Route) Segments() []string {
	return append([]string(nil), r.segments...)
}

func (r *Route) Path() string {
	return "/" + strings.Join(r.segments, "/")
}

func (r *Route) Bucket() string {
	return BucketKey(r.segments)
}

func (r *Route) String() string {
	return r.Path()
}

// Request builds a descriptor for this route, keyed to its rate limit bucket.
func (r *Route) Request(method string, options RequestOptions) *Request {
	return &Request{
		Method:  method,
		Path:    r.Path(),
		Route:   r.Bucket(),
		Options: options,
	}
}

// BucketKey derives the rate limit bucket for a path. Ids are collapsed to
// ":id" unless they directly follow "channels" or "guilds", which are major
// parameters with buckets of their own. Everything after "reactions" shares
// one bucket.
func BucketKey(segments []string) string {
	bucket := make([]string, 1, len(segments)+1)

	previous := ""
	for _, segment := range segments {
		if previous == "reactions" {
			break
		}

		if snowflake.MatchString(segment) && previous != "channels" && previous != "guilds" {
			bucket = append(bucket, ":id")
		} else {
			bucket = append(bucket, segment)
		}

		previous = segment
	}

	return strings.Join(bucket, "/")
}
