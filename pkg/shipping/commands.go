package shipping

import (
	"fmt"
)

// Compression selects where the transfer stream is compressed
type Compression string

const (
	// CompressionShell pipes the stream through the zstd binary
	CompressionShell Compression = "shell"
	// CompressionInProcess compresses inside the object daemon. Stream
	// pipelines fall back to CompressionShell.
	CompressionInProcess Compression = "inprocess"
	CompressionNone      Compression = "none"
)

// Valid reports whether c is a known compression mode
func (c Compression) Valid() bool {
	switch c {
	case CompressionShell, CompressionInProcess, CompressionNone:
		return true
	}
	return false
}

// The pipelines run in their own process group. SIGTERM to the shell is
// forwarded to the whole group as SIGHUP and the shell waits for the
// background job so that the exit code of the pipeline is kept.
const (
	sendFormat    = "trap 'kill -HUP 0' SIGTERM; (%s;)& wait $!"
	receiveFormat = "trap 'kill -HUP 0' SIGTERM; exec 7<&0 0</dev/null; set -o pipefail; (exec 0<&7 7<&-; %s ;) & wait $!"

	streamSendFormat    = "trap 'kill -HUP 0' SIGTERM; set -o pipefail; (%s | socat STDIN TCP:%s:%d;)& wait $!"
	streamReceiveFormat = "trap 'kill -HUP 0' SIGTERM; set -o pipefail; (socat -d -d TCP-LISTEN:%d,reuseaddr STDOUT | %s;)& wait $!"
)

func shell(script string) []string {
	return []string{"bash", "-c", script}
}

// SendPipeline wraps cmd, which writes the volume to stdout, for an object
// storage upload
func SendPipeline(cmd string, c Compression) []string {
	if c == CompressionShell {
		cmd += " | zstd"
	}
	return shell(fmt.Sprintf(sendFormat, cmd))
}

// ReceivePipeline wraps cmd, which reads the volume from stdin, for an
// object storage download
func ReceivePipeline(cmd string, c Compression) []string {
	if c == CompressionShell {
		cmd = "zstd -d | " + cmd
	}
	return shell(fmt.Sprintf(receiveFormat, cmd))
}

// StreamSendPipeline sends the output of cmd to host:port
func StreamSendPipeline(cmd, host string, port int, c Compression) []string {
	if c != CompressionNone {
		cmd += " | zstd"
	}
	return shell(fmt.Sprintf(streamSendFormat, cmd, host, port))
}

// StreamReceivePipeline listens on port and feeds the stream into cmd
func StreamReceivePipeline(cmd string, port int, c Compression) []string {
	if c != CompressionNone {
		cmd = "zstd -d | " + cmd
	}
	return shell(fmt.Sprintf(streamReceiveFormat, port, cmd))
}
