package shipping

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PostAction is called exactly once per daemon when its transfer ended.
// conflictingPort is non-zero when the pipeline could not bind its port.
type PostAction func(success bool, conflictingPort int)

// Daemon supervises the transfer pipeline of one volume of a shipment.
//
// The post action never runs on the goroutine calling Start, Shutdown or
// SetPrepareAbort, so callers may hold the lock of the shipment.
type Daemon interface {
	// Start spawns the pipeline and its workers. It returns the upload id
	// of object storage transfers and "" otherwise. Start failures are
	// reported through the post action.
	Start() string
	// Shutdown stops the pipeline. With runPostAction the post action
	// still fires, with success=false, unless it already fired.
	Shutdown(runPostAction bool)
	// AwaitShutdown waits for the workers to exit and reports whether
	// they did within timeout
	AwaitShutdown(timeout time.Duration) bool
	// SetPrepareAbort marks errors from now on as expected. A daemon that
	// was never started reports failure right away.
	SetPrepareAbort()
}

// lifecycle holds the state shared by all daemon implementations
type lifecycle struct {
	mu           sync.Mutex
	started      bool
	stopped      bool
	prepareAbort bool
	fired        bool
	post         PostAction

	workers sync.WaitGroup
	done    chan struct{}

	logger zerolog.Logger
}

func newLifecycle(post PostAction, logger zerolog.Logger) lifecycle {
	return lifecycle{
		post:   post,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// begin marks the daemon started. It fails if the daemon was started or
// shut down before.
func (l *lifecycle) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return false
	}
	l.started = true
	return true
}

// stop marks the daemon stopped and reports whether it had been started
func (l *lifecycle) stop() (wasStarted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	return l.started
}

func (l *lifecycle) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *lifecycle) expectErrors() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prepareAbort || l.stopped
}

// fire runs the post action unless it already ran
func (l *lifecycle) fire(success bool, conflictingPort int) {
	l.mu.Lock()
	if l.fired {
		l.mu.Unlock()
		return
	}
	l.fired = true
	post := l.post
	l.mu.Unlock()

	if post != nil {
		post(success, conflictingPort)
	}
}

func (l *lifecycle) fireAsync(success bool, conflictingPort int) {
	go l.fire(success, conflictingPort)
}

// failure logs err unless errors are expected, then fires the post action
func (l *lifecycle) failure(err error, conflictingPort int) {
	if l.expectErrors() {
		l.logger.Debug().Err(err).Msg("Transfer stopped")
	} else {
		l.logger.Error().Err(err).Msg("Transfer failed")
	}
	l.fire(false, conflictingPort)
}

// spawn runs fn as a supervised worker
func (l *lifecycle) spawn(fn func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		fn()
	}()
}

// sealWorkers closes done once every spawned worker returned
func (l *lifecycle) sealWorkers() {
	go func() {
		l.workers.Wait()
		close(l.done)
	}()
}

func (l *lifecycle) setPrepareAbort() {
	l.mu.Lock()
	l.prepareAbort = true
	started := l.started
	l.mu.Unlock()

	if !started {
		l.fireAsync(false, 0)
	}
}

func (l *lifecycle) awaitShutdown(timeout time.Duration) bool {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.done:
		return true
	case <-timer.C:
		return false
	}
}
