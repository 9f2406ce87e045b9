// Package client implements the cvd CLI side. It captures the OS
// context, serializes it as a protocol.Request, sends it to the daemon
// over a Unix socket, and streams the response.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"cvdd/pkg/protocol"
)

// EnvSocketOverride names the env var overriding the daemon socket.
const EnvSocketOverride = "CVDD_SOCKET"

// Run sends one command to the daemon and relays its output, returning
// the process exit code.
func Run(command string, args, selectorArgs []string) int {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cvd: failed to get working directory: %v\n", err)
		return 1
	}

	req := &protocol.Request{
		Command:      command,
		Args:         args,
		SelectorArgs: selectorArgs,
		Env:          environMap(),
		Cwd:          cwd,
	}

	socketPath := os.Getenv(EnvSocketOverride)
	if socketPath == "" {
		socketPath = protocol.DefaultSocketPath
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cvd: failed to connect to daemon at %s: %v\n", socketPath, err)
		return 1
	}
	defer conn.Close()

	// Set up signal handling (must happen before any blocking I/O)
	cancelSignals(conn)

	if err := protocol.WriteRequest(conn, req); err != nil {
		fmt.Fprintf(os.Stderr, "cvd: failed to send request: %v\n", err)
		return 1
	}

	return streamFrames(conn)
}

// streamFrames reads and dispatches frames from the daemon connection
// until the final response arrives.
func streamFrames(conn net.Conn) int {
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Connection closed without a response frame
				return 1
			}
			fmt.Fprintf(os.Stderr, "cvd: stream error: %v\n", err)
			return 1
		}

		switch frame.Type {
		case protocol.StreamStdout:
			os.Stdout.Write(frame.Payload)
		case protocol.StreamStderr:
			os.Stderr.Write(frame.Payload)
		case protocol.StreamResponse:
			resp, err := protocol.DecodeResponse(frame.Payload)
			if err != nil {
				fmt.Fprintf(os.Stderr, "cvd: bad response: %v\n", err)
				return 1
			}
			return finish(resp)
		default:
			// Unknown frame type, ignore
		}
	}
}

// finish reports the daemon's final status and maps it to an exit code.
func finish(resp *protocol.Response) int {
	if resp.Status.Code != protocol.StatusOK {
		fmt.Fprintf(os.Stderr, "cvd: %s: %s\n", resp.Status.Code, resp.Status.Message)
		return 1
	}
	if resp.GroupInfo != nil {
		for _, instance := range resp.GroupInfo.Instances {
			fmt.Printf("%s-%s started (instance %d)\n",
				resp.GroupInfo.GroupName, instance.Name, instance.InstanceID)
		}
	}
	return 0
}

// environMap converts os.Environ to the request's map form.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	return env
}
