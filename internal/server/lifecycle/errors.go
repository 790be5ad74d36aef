package lifecycle

import "errors"

// ErrNotFound is returned when the requested app does not exist.
//
//	app, err := store.Get(ctx, appID)
//	if errors.Is(err, lifecycle.ErrNotFound) {
//	    handle missing app
//	}
var ErrNotFound = errors.New("app not found")

// ErrInvalidTransition is returned when a conditional update affected zero
// rows because the app was not in one of the preconditioned statuses. It is
// fatal for mandatory paths (registration) and silently absorbed by callers
// on idempotent paths (set_running, terminal transitions reapplied).
var ErrInvalidTransition = errors.New("invalid status transition")
