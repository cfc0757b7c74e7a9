package extcmd

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, p *Process) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("process did not finish")
			return nil
		}
	}
}

func TestProcessLines(t *testing.T) {
	p, err := Start(context.Background(), []string{"sh", "-c", "echo out1; echo err1 >&2; echo out2; exit 3"}, Options{})
	require.NoError(t, err)

	events := collect(t, p)
	require.NotEmpty(t, events)

	var stdout, stderr []string
	for _, ev := range events[:len(events)-1] {
		switch ev.Type {
		case EventStdOut:
			stdout = append(stdout, ev.Line)
		case EventStdErr:
			stderr = append(stderr, ev.Line)
		}
	}
	assert.Equal(t, []string{"out1", "out2"}, stdout)
	assert.Equal(t, []string{"err1"}, stderr)

	last := events[len(events)-1]
	assert.Equal(t, EventEOF, last.Type)
	assert.Equal(t, 3, last.ExitCode)

	code, exited := p.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 3, code)
}

func TestProcessStdoutAsData(t *testing.T) {
	p, err := Start(context.Background(), []string{"sh", "-c", "printf 'payload'; echo diag >&2"},
		Options{StdoutAsData: true})
	require.NoError(t, err)

	data, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	p.Stdout().Close()
	assert.Equal(t, "payload", string(data))

	events := collect(t, p)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Type: EventStdErr, Line: "diag"}, events[0])
	assert.Equal(t, EventEOF, events[1].Type)
	assert.Equal(t, 0, events[1].ExitCode)
}

func TestProcessStdinPipe(t *testing.T) {
	p, err := Start(context.Background(), []string{"sh", "-c", "cat"}, Options{StdinPipe: true})
	require.NoError(t, err)

	_, err = io.Copy(p.Stdin(), strings.NewReader("line1\nline2\n"))
	require.NoError(t, err)
	require.NoError(t, p.Stdin().Close())

	var lines []string
	for _, ev := range collect(t, p) {
		if ev.Type == EventStdOut {
			lines = append(lines, ev.Line)
		}
	}
	assert.Equal(t, []string{"line1", "line2"}, lines)
}

func TestProcessStopKillsGroup(t *testing.T) {
	p, err := Start(context.Background(), []string{"sh", "-c", "sleep 30 | sleep 30"}, Options{})
	require.NoError(t, err)

	require.NoError(t, p.Stop())
	events := collect(t, p)
	last := events[len(events)-1]
	assert.Equal(t, EventEOF, last.Type)
	assert.NotEqual(t, 0, last.ExitCode)

	// stopping an exited process is a no-op
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Kill())
}

func TestProcessContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, []string{"sh", "-c", "sleep 30"}, Options{})
	require.NoError(t, err)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process survived context cancellation")
	}
}

func TestStartErrors(t *testing.T) {
	_, err := Start(context.Background(), nil, Options{})
	assert.Error(t, err)

	_, err = Start(context.Background(), []string{"/nonexistent/binary"}, Options{StdoutAsData: true})
	assert.Error(t, err)
}

func TestFindStale(t *testing.T) {
	ps := []byte(`    PID COMMAND
      1 /sbin/init
   4242 bash -c trap 'kill -HUP 0' SIGTERM; (thin_send vg/db_00000 | zstd;)&wait $!
   4243 zstd
   4300 socat TCP-LISTEN:7000 STDOUT
`)

	tests := []struct {
		name    string
		command string
		want    []int
	}{
		{"pipeline", "thin_send vg/db_00000", []int{4242}},
		{"socat", "socat TCP-LISTEN:7000", []int{4300}},
		{"nothing", "thin_send vg/web_00000", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindStale(ps, tt.command))
		})
	}
}

func TestKillStaleNothingRunning(t *testing.T) {
	list := func(ctx context.Context) ([]byte, error) {
		return []byte("PID COMMAND\n1 /sbin/init\n"), nil
	}
	n, err := KillStale(context.Background(), list, "thin_send vg/db_00000")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "stderr", EventStdErr.String())
	assert.Equal(t, "eof", EventEOF.String())
	assert.Equal(t, "EventType(9)", EventType(9).String())
}
