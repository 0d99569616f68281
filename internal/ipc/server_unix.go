//go:build unix

package ipc

import (
	"fmt"
	"net"
	"os"
)

// PeerCredentials holds the credentials of a peer process.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// checkPeer refuses connections whose peer uid differs from the
// daemon's. The kernel supplies the credentials, so a client cannot
// fake them.
func checkPeer(conn net.Conn) error {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return fmt.Errorf("peer credentials: %w", err)
	}
	if cred.UID != os.Getuid() {
		return fmt.Errorf("peer uid %d is not the daemon user", cred.UID)
	}
	return nil
}

// CleanupSocket removes a stale socket file. A path that exists but is
// not a socket is left alone.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening reports whether something is accepting on path.
func IsSocketListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
