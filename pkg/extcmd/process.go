package extcmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// EventType classifies output of a supervised process
type EventType int

const (
	// EventStdOut is one line of standard output
	EventStdOut EventType = iota
	// EventStdErr is one line of standard error
	EventStdErr
	// EventException reports an error reading the process output
	EventException
	// EventEOF is the last event; ExitCode holds the exit status
	EventEOF
)

func (t EventType) String() string {
	switch t {
	case EventStdOut:
		return "stdout"
	case EventStdErr:
		return "stderr"
	case EventException:
		return "exception"
	case EventEOF:
		return "eof"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is emitted for every line of output and once at exit
type Event struct {
	Type     EventType
	Line     string
	Err      error
	ExitCode int
}

// Options controls how a process is started
type Options struct {
	// StdoutAsData exposes standard output as a byte stream through
	// Process.Stdout instead of emitting EventStdOut lines
	StdoutAsData bool
	// StdinPipe exposes standard input through Process.Stdin. Without it
	// the process reads from /dev/null.
	StdinPipe bool
	Env       []string
	Dir       string
}

const maxLineLength = 1024 * 1024

// Process supervises one external command running in its own process group
type Process struct {
	cmd    *exec.Cmd
	events chan Event
	stdout io.ReadCloser
	stdin  io.WriteCloser
	done   chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// Start runs argv. Cancelling ctx sends SIGTERM to the process group.
func Start(ctx context.Context, argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command specified")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir

	p := &Process{
		cmd:    cmd,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	var stdoutLines io.ReadCloser
	var stdoutWriter *os.File
	if opts.StdoutAsData {
		// an os.Pipe outlives cmd.Wait, so the reader sees every byte
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		cmd.Stdout = pw
		p.stdout = pr
		stdoutWriter = pw
	} else {
		stdoutLines, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdout: %w", err)
		}
	}

	if opts.StdinPipe {
		p.stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdin: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		if stdoutWriter != nil {
			stdoutWriter.Close()
			p.stdout.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	if stdoutWriter != nil {
		stdoutWriter.Close()
	}

	var readers sync.WaitGroup
	readers.Add(1)
	go p.scan(&readers, stderr, EventStdErr)
	if stdoutLines != nil {
		readers.Add(1)
		go p.scan(&readers, stdoutLines, EventStdOut)
	}

	go func() {
		readers.Wait()
		code := exitCode(cmd.Wait())

		p.mu.Lock()
		p.exited = true
		p.exitCode = code
		p.mu.Unlock()

		p.events <- Event{Type: EventEOF, ExitCode: code}
		close(p.events)
		close(p.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = p.Stop()
		case <-p.done:
		}
	}()

	return p, nil
}

func (p *Process) scan(wg *sync.WaitGroup, r io.Reader, typ EventType) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		p.events <- Event{Type: typ, Line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.events <- Event{Type: EventException, Err: err}
		// drain so the process never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Events returns the output of the process. The channel is closed after
// EventEOF and must be drained by the caller.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Stdout returns the data stream of standard output, nil unless
// Options.StdoutAsData was set. The caller closes it.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Stdin returns standard input, nil unless Options.StdinPipe was set
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Pid returns the process id, which is also its process group id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process exited and all output was delivered
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code and whether the process has exited
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Stop sends SIGTERM to the process group
func (p *Process) Stop() error {
	return p.signal(unix.SIGTERM)
}

// Kill sends SIGKILL to the process group
func (p *Process) Kill() error {
	return p.signal(unix.SIGKILL)
}

func (p *Process) signal(sig syscall.Signal) error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return nil
	}

	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
