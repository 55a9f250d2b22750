package wxhttp

import "fmt"

type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindHTTP
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTP:
		return "http"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// APIError is the single failure type returned by Client. Kind is kept for
// logging and metrics; callers are not expected to branch on it.
type APIError struct {
	Kind   ErrorKind
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("HTTP %d calling %s: %s", e.Status, e.URL, e.Body)
	case KindDecode:
		return fmt.Sprintf("invalid JSON from %s: %s", e.URL, e.Body)
	default:
		return fmt.Sprintf("failed calling %s: %v", e.URL, e.Err)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}
