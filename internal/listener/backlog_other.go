//go:build !unix

package listener

import "net"

// listenWithBacklog falls back to net.Listen on platforms without direct
// socket-option access through golang.org/x/sys/unix; the OS default
// backlog applies.
func listenWithBacklog(network, addr string, backlog int) (net.Listener, error) {
	return net.Listen(network, addr)
}
