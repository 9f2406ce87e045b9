package daemon

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredentials identifies the process on the other end of a Unix
// socket, as reported by the kernel through SO_PEERCRED.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

var errNotUnixSocket = errors.New("peer credentials require a unix socket")

// readPeerCreds queries SO_PEERCRED on conn. Transports other than
// Unix domain sockets (net.Pipe in tests) carry no credentials.
func readPeerCreds(conn net.Conn) (PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerCredentials{}, errNotUnixSocket
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return PeerCredentials{}, err
	}

	var cred *unix.Ucred
	ctlErr := raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctlErr != nil {
		return PeerCredentials{}, ctlErr
	}
	if err != nil {
		return PeerCredentials{}, err
	}

	return PeerCredentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
