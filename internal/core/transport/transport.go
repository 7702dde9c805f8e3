// Package transport maps core failures onto protocol-specific error shapes.
package transport

import (
	"errors"
	"net/http"

	"pkt.systems/coordd/internal/core"
)

// HTTPError carries the HTTP-facing fields of a core.Failure.
type HTTPError struct {
	Status int
	Code   string
	Detail string
}

// ToHTTP maps a core error into HTTP-friendly fields. The second return is
// false when err is not a core.Failure.
func ToHTTP(err error) (*HTTPError, bool) {
	var failure core.Failure
	if !errors.As(err, &failure) {
		return nil, false
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &HTTPError{
		Status: status,
		Code:   failure.Code,
		Detail: failure.Detail,
	}, true
}
