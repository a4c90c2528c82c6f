package action

import (
	"log"
	"sync"
)

// Alerter surfaces a failed operation to the user.
type Alerter interface {
	Error(message string)
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(message string)

// Error implements Alerter.
func (f AlerterFunc) Error(message string) { f(message) }

// Redirector sends the client to the login boundary after the session
// expired.
type Redirector interface {
	Redirect()
}

// RedirectorFunc adapts a function to the Redirector interface.
type RedirectorFunc func()

// Redirect implements Redirector.
func (f RedirectorFunc) Redirect() { f() }

// LogAlerter writes alerts to a logger.
type LogAlerter struct {
	Logger *log.Logger
}

// Error implements Alerter.
func (a LogAlerter) Error(message string) {
	if a.Logger != nil {
		a.Logger.Printf("Error: %s", message)
	}
}

// OnceRedirector calls Fn the first time Redirect is invoked. Every action
// module of one session shares the same instance, so a burst of 401s leads
// to a single redirect.
type OnceRedirector struct {
	Fn func()

	once sync.Once
}

// Redirect implements Redirector.
func (r *OnceRedirector) Redirect() {
	r.once.Do(func() {
		if r.Fn != nil {
			r.Fn()
		}
	})
}

// Recorder receives outcome counts. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	SyncApplied(entity string)
	SyncStale(entity string)
	SyncFailed(entity string)
	Redirected(entity string)
	Cancelled(entity string, n int)
}

type noopRecorder struct{}

func (noopRecorder) SyncApplied(string)    {}
func (noopRecorder) SyncStale(string)      {}
func (noopRecorder) SyncFailed(string)     {}
func (noopRecorder) Redirected(string)     {}
func (noopRecorder) Cancelled(string, int) {}
