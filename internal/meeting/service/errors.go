package service

import "errors"

// Domain errors matched with errors.Is at the HTTP boundary.
var (
	// ErrNotFound maps to 404.
	ErrNotFound = errors.New("meeting not found")

	// ErrConflict maps to 409: another meeting for the tuple is active.
	ErrConflict = errors.New("active meeting already exists for this platform and meeting id")

	// ErrLimitExceeded maps to 403: user is at their concurrent-bot cap.
	ErrLimitExceeded = errors.New("concurrent bot limit exceeded")

	// ErrInvalidInput maps to 422: bad platform, malformed native id, URL
	// construction failure, or invalid field content.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWrongStatus maps to 409: the operation requires a different
	// meeting status (reconfigure against a non-active meeting).
	ErrWrongStatus = errors.New("meeting is not in the required status")

	// ErrBusUnavailable maps to 503: the bus is required to command the
	// bot and is unreachable.
	ErrBusUnavailable = errors.New("message bus unavailable")

	// ErrLaunchFailed maps to 500: the runtime could not start the bot.
	ErrLaunchFailed = errors.New("failed to launch bot")
)
