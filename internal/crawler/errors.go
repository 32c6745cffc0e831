package crawler

import "errors"

var (
	// ErrSourceUnavailable reports a failed or non-success control-plane call.
	ErrSourceUnavailable = errors.New("job source unavailable")
	// ErrRenderFailure reports a navigation or browser error. The job is abandoned.
	ErrRenderFailure = errors.New("render failed")
)
