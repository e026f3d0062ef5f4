// Package peercred verifies the identity of the process on the other end
// of a control-channel unix socket, so a worker's dispatcher can confirm
// it is talking to the daemon that spawned it (and vice versa) before
// trusting a DISPATCH.
package peercred

import (
	"errors"
	"net"
)

// ErrUnsupported is returned by Verify on platforms without a peer
// credential syscall (anything other than linux or darwin).
var ErrUnsupported = errors.New("peer credential verification is not supported on this platform")

// Credentials are the platform-independent identity of a unix socket peer.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32 // 0 where the platform does not report a PID (e.g. darwin)
}

// Verify retrieves the credentials of the process on the other end of
// conn and checks them against allowedUIDs/allowedGIDs. An empty
// allow-list for a dimension skips that check. requireSameUID, when set,
// additionally requires the peer's UID to match the calling process's own
// UID (os.Getuid()).
func Verify(conn *net.UnixConn, allowedUIDs, allowedGIDs []uint32, requireSameUID bool) (*Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var creds *Credentials
	var getErr error
	err = raw.Control(func(fd uintptr) {
		creds, getErr = getPeerCredentials(int(fd))
	})
	if err != nil {
		return nil, err
	}
	if getErr != nil {
		return nil, getErr
	}

	if requireSameUID {
		if err := checkSameUID(creds.UID); err != nil {
			return nil, err
		}
	}
	if len(allowedUIDs) > 0 && !contains(allowedUIDs, creds.UID) {
		return nil, errDenied("uid", creds.UID)
	}
	if len(allowedGIDs) > 0 && !contains(allowedGIDs, creds.GID) {
		return nil, errDenied("gid", creds.GID)
	}

	return creds, nil
}

func contains(set []uint32, v uint32) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type deniedError struct {
	dimension string
	value     uint32
}

func (e *deniedError) Error() string {
	return "peer credential denied: " + e.dimension + " not in allow-list"
}

func errDenied(dimension string, value uint32) error {
	return &deniedError{dimension: dimension, value: value}
}
