package extcmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// settle gives killed pipelines time to release ports and devices
const settle = 500 * time.Millisecond

// PsLister lists running processes as pid and command line
type PsLister func(ctx context.Context) ([]byte, error)

// ListProcesses runs ps for every process on the host
func ListProcesses(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "ps", "ax", "-o", "pid,command").Output()
}

// FindStale returns the pids of processes whose command line contains
// command, skipping the calling process
func FindStale(psOutput []byte, command string) []int {
	self := os.Getpid()
	var pids []int

	scanner := bufio.NewScanner(bytes.NewReader(psOutput))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		pidStr, cmdline, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid == self {
			continue
		}
		if strings.Contains(cmdline, command) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// KillStale kills the children of every process still running command, as
// left behind by a shipment that was interrupted. It returns the number of
// parents whose children were killed.
func KillStale(ctx context.Context, list PsLister, command string) (int, error) {
	if list == nil {
		list = ListProcesses
	}
	out, err := list(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	pids := FindStale(out, command)
	for _, pid := range pids {
		// pkill exits 1 when nothing matched
		_ = exec.CommandContext(ctx, "pkill", "-9", "--parent", strconv.Itoa(pid)).Run()
	}
	if len(pids) > 0 {
		select {
		case <-time.After(settle):
		case <-ctx.Done():
			return len(pids), ctx.Err()
		}
	}
	return len(pids), nil
}
