package dispatch

// notStartedError reports a send to an identity that was never started.
type notStartedError struct{ id string }

func (e notStartedError) Error() string { return "worker not started: " + e.id }

// ErrWorkerNotStarted constructs the error returned when no process is
// tracked for the identity.
func ErrWorkerNotStarted(id string) error { return notStartedError{id: id} }

// IsWorkerNotStarted reports whether err indicates an untracked identity.
func IsWorkerNotStarted(err error) bool {
	_, ok := err.(notStartedError)
	return ok
}

// notAliveError reports a tracked worker whose process has died.
type notAliveError struct{ id string }

func (e notAliveError) Error() string { return "worker process not alive: " + e.id }

func ErrWorkerNotAlive(id string) error { return notAliveError{id: id} }

// IsWorkerNotAlive reports whether err indicates a dead worker process.
func IsWorkerNotAlive(err error) bool {
	_, ok := err.(notAliveError)
	return ok
}

// notReadyError reports a live worker that has not passed a health check.
type notReadyError struct{ id string }

func (e notReadyError) Error() string { return "worker not ready: " + e.id }

func ErrWorkerNotReady(id string) error { return notReadyError{id: id} }

// IsWorkerNotReady reports whether err indicates readiness was never proven.
func IsWorkerNotReady(err error) bool {
	_, ok := err.(notReadyError)
	return ok
}

// startupError reports a worker that failed to prove readiness in budget.
// The partial process has already been force-cleaned when this surfaces.
type startupError struct {
	id    string
	cause error
}

func (e startupError) Error() string {
	return "worker " + e.id + " failed to start: " + e.cause.Error()
}

func (e startupError) Unwrap() error { return e.cause }

// ErrStartupFailure constructs a fatal start_worker error.
func ErrStartupFailure(id string, cause error) error { return startupError{id: id, cause: cause} }

// IsStartupFailure reports whether err is a fatal worker start failure.
func IsStartupFailure(err error) bool {
	_, ok := err.(startupError)
	return ok
}
