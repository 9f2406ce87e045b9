package client

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"cvdd/pkg/protocol"
)

// cancelSignals arranges for SIGINT/SIGTERM to abort the request. The
// daemon owns the launcher child, so all the client has to do is send
// a cancel frame, drop the connection, and die with the conventional
// 128+signal exit code.
func cancelSignals(conn net.Conn) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh

		protocol.WriteFrame(conn, protocol.Frame{Type: protocol.StreamCancel})
		conn.Close()

		code := 128
		if num, ok := sig.(syscall.Signal); ok {
			code += int(num)
		}
		os.Exit(code)
	}()
}
