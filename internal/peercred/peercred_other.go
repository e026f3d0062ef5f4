//go:build !linux && !darwin

package peercred

func getPeerCredentials(fd int) (*Credentials, error) {
	return nil, ErrUnsupported
}

func checkSameUID(peerUID uint32) error {
	return ErrUnsupported
}
