//go:build darwin

package peercred

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

const (
	localPeerCred = 0x001 // LOCAL_PEERCRED, from sys/un.h
	solLocal      = 0     // SOL_LOCAL, from sys/socket.h
)

type xucred struct {
	version uint32
	uid     uint32
	ngroups int16
	groups  [16]uint32
}

func getPeerCredentials(fd int) (*Credentials, error) {
	cred := &xucred{}
	credLen := uint32(unsafe.Sizeof(*cred))

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(solLocal),
		uintptr(localPeerCred),
		uintptr(unsafe.Pointer(cred)),
		uintptr(unsafe.Pointer(&credLen)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("getsockopt LOCAL_PEERCRED failed: %w", errno)
	}

	var gid uint32
	if cred.ngroups > 0 {
		gid = cred.groups[0]
	}

	return &Credentials{
		UID: cred.uid,
		GID: gid,
		PID: 0, // not reported by LOCAL_PEERCRED
	}, nil
}

func checkSameUID(peerUID uint32) error {
	if int(peerUID) != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match process uid %d", peerUID, os.Getuid())
	}
	return nil
}
