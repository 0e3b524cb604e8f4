package store

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var (
	// ErrUnavailable covers transport failures, timeouts, throttling and
	// server side errors. Callers may retry.
	ErrUnavailable = errors.New("elasticsearch unavailable")

	// ErrUnauthorized is returned when the cluster rejects the credentials.
	ErrUnauthorized = errors.New("elasticsearch rejected credentials")
)

// ResponseError is a request the cluster understood and refused.
type ResponseError struct {
	Op     string
	Status int
	Type   string
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s: %s", e.Op, e.Status, e.Type, e.Reason)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func classify(op string, status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Wrapf(ErrUnauthorized, "%s: status %d", op, status)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return errors.Wrapf(ErrUnavailable, "%s: status %d", op, status)
	}

	return &ResponseError{
		Op:     op,
		Status: status,
		Type:   gjson.GetBytes(body, "error.type").String(),
		Reason: gjson.GetBytes(body, "error.reason").String(),
	}
}
