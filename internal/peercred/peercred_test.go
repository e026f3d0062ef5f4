package peercred

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestVerifySelfConnection(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "peercred.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	accepted := make(chan *net.UnixConn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c.(*net.UnixConn)
	}()

	client, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer func() { _ = client.Close() }()

	var server *net.UnixConn
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	}
	defer func() { _ = server.Close() }()

	creds, err := Verify(server, nil, nil, false)
	if err != nil {
		if err == ErrUnsupported {
			t.Skip("peer credentials unsupported on this platform")
		}
		t.Fatalf("Verify failed: %v", err)
	}

	if int(creds.UID) != os.Getuid() {
		t.Errorf("expected peer uid %d, got %d", os.Getuid(), creds.UID)
	}
}

func TestVerifyRejectsDisallowedUID(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "peercred.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	accepted := make(chan *net.UnixConn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c.(*net.UnixConn)
		}
	}()

	client, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer func() { _ = client.Close() }()

	server := <-accepted
	defer func() { _ = server.Close() }()

	_, err = Verify(server, []uint32{999999}, nil, false)
	if err == nil {
		t.Fatal("expected denied error for disallowed uid")
	}
}
