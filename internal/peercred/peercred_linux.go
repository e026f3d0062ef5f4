//go:build linux

package peercred

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

func getPeerCredentials(fd int) (*Credentials, error) {
	ucred := &syscall.Ucred{}
	ucredLen := uint32(syscall.SizeofUcred)

	_, _, errno := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(syscall.SOL_SOCKET),
		uintptr(syscall.SO_PEERCRED),
		uintptr(unsafe.Pointer(ucred)),
		uintptr(unsafe.Pointer(&ucredLen)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED failed: %w", errno)
	}

	return &Credentials{
		UID: ucred.Uid,
		GID: ucred.Gid,
		PID: ucred.Pid,
	}, nil
}

func checkSameUID(peerUID uint32) error {
	if int(peerUID) != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match process uid %d", peerUID, os.Getuid())
	}
	return nil
}
