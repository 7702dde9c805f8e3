package core

import "fmt"

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols. Conflicts (CAS / lock ownership) are never
// Failures; they surface as boolean results because callers retry on them.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// NotFound reports whether err is a Failure carrying a 404 hint.
func NotFound(err error) bool {
	f, ok := err.(Failure)
	return ok && f.HTTPStatus == 404
}
