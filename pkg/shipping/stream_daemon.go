package shipping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/ferry/pkg/extcmd"
	"github.com/rs/zerolog"
)

const (
	// ListeningMarker is printed by socat -d -d once the listener is bound
	ListeningMarker = "listening on"
	// AddressInUseMarker is printed when the listen port is taken
	AddressInUseMarker = "Address already in use"
)

// StreamDaemon supervises a peer-to-peer pipeline of one volume
type StreamDaemon struct {
	lifecycle

	argv           []string
	port           int
	listening      bool
	connectionWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	proc   *extcmd.Process
	ready  chan struct{}
}

// StreamDaemonConfig configures a StreamDaemon
type StreamDaemonConfig struct {
	Argv []string
	// Port is reported as conflicting when the listener cannot bind it
	Port int
	// Listening daemons wait for ListeningMarker and fail when it does not
	// show up within ConnectionWait. Zero disables the wait.
	Listening      bool
	ConnectionWait time.Duration
}

// NewStreamDaemon creates a stopped StreamDaemon
func NewStreamDaemon(cfg StreamDaemonConfig, post PostAction, logger zerolog.Logger) *StreamDaemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamDaemon{
		lifecycle:      newLifecycle(post, logger.With().Int("port", cfg.Port).Logger()),
		argv:           cfg.Argv,
		port:           cfg.Port,
		listening:      cfg.Listening,
		connectionWait: cfg.ConnectionWait,
		ctx:            ctx,
		cancel:         cancel,
		ready:          make(chan struct{}),
	}
}

// Start spawns the pipeline. Stream transfers have no upload id.
func (d *StreamDaemon) Start() string {
	if !d.begin() {
		return ""
	}
	defer d.sealWorkers()

	proc, err := extcmd.Start(d.ctx, d.argv, extcmd.Options{})
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to start pipeline")
		d.fireAsync(false, 0)
		d.cancel()
		return ""
	}
	d.proc = proc

	d.spawn(d.supervise)
	if d.listening && d.connectionWait > 0 {
		d.spawn(d.watchConnection)
	}
	return ""
}

// Ready is closed once the listener reported it is bound
func (d *StreamDaemon) Ready() <-chan struct{} {
	return d.ready
}

// Done is closed once the pipeline stopped, for whatever reason
func (d *StreamDaemon) Done() <-chan struct{} {
	return d.ctx.Done()
}

func (d *StreamDaemon) supervise() {
	var (
		conflict  bool
		announced bool
	)
	for ev := range d.proc.Events() {
		switch ev.Type {
		case extcmd.EventStdErr:
			switch {
			case strings.Contains(ev.Line, AddressInUseMarker):
				conflict = true
				d.logger.Warn().Str("line", ev.Line).Msg("Port already in use")
			case strings.Contains(ev.Line, ListeningMarker):
				if !announced {
					announced = true
					close(d.ready)
				}
			default:
				d.logger.Debug().Str("line", ev.Line).Msg("stderr")
			}
		case extcmd.EventStdOut:
			d.logger.Debug().Str("line", ev.Line).Msg("stdout")
		case extcmd.EventException:
			d.logger.Warn().Err(ev.Err).Msg("Failed to read pipeline output")
		case extcmd.EventEOF:
			switch {
			case conflict:
				d.failure(fmt.Errorf("port %d already in use", d.port), d.port)
			case ev.ExitCode != 0:
				d.failure(fmt.Errorf("pipeline exited with code %d", ev.ExitCode), 0)
			default:
				d.logger.Debug().Msg("Transfer finished")
				d.fire(true, 0)
			}
		}
	}
	d.cancel()
}

func (d *StreamDaemon) watchConnection() {
	timer := time.NewTimer(d.connectionWait)
	defer timer.Stop()

	select {
	case <-d.ready:
	case <-d.proc.Done():
	case <-timer.C:
		d.logger.Warn().Dur("wait", d.connectionWait).Msg("Listener not ready in time, stopping pipeline")
		d.failure(fmt.Errorf("listener on port %d not ready after %s", d.port, d.connectionWait), 0)
		d.stop()
		d.cancel()
	}
}

// Shutdown stops the pipeline
func (d *StreamDaemon) Shutdown(runPostAction bool) {
	d.stop()
	d.cancel()
	if runPostAction {
		d.fireAsync(false, 0)
	}
}

// AwaitShutdown waits for the supervising workers to exit
func (d *StreamDaemon) AwaitShutdown(timeout time.Duration) bool {
	return d.awaitShutdown(timeout)
}

// SetPrepareAbort marks errors from now on as expected
func (d *StreamDaemon) SetPrepareAbort() {
	d.setPrepareAbort()
}
