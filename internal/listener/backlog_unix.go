//go:build unix

package listener

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenWithBacklog binds network/addr with an explicit listen(2) backlog,
// which net.Listen itself does not expose. It builds the socket with
// golang.org/x/sys/unix directly, then hands the resulting fd to net via
// net.FileListener so the returned net.Listener behaves normally.
func listenWithBacklog(network, addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, err
	}

	domain := unix.AF_INET
	sockaddr, err := toSockaddr(tcpAddr, network)
	if err != nil {
		return nil, err
	}
	if _, ok := sockaddr.(*unix.SockaddrInet6); ok {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "listener")
	ln, err := net.FileListener(f)
	_ = f.Close() // net.FileListener dup'd the fd; close our copy.
	if err != nil {
		return nil, err
	}
	return ln, nil
}

func toSockaddr(addr *net.TCPAddr, network string) (unix.Sockaddr, error) {
	if network == "tcp6" || (addr.IP != nil && addr.IP.To4() == nil && addr.IP.To16() != nil) {
		var ip [16]byte
		if addr.IP != nil {
			copy(ip[:], addr.IP.To16())
		}
		return &unix.SockaddrInet6{Port: addr.Port, Addr: ip}, nil
	}
	var ip [4]byte
	if addr.IP != nil {
		copy(ip[:], addr.IP.To4())
	}
	return &unix.SockaddrInet4{Port: addr.Port, Addr: ip}, nil
}
