package bridge

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrInvalidPeer = errors.New("invalid peer address")
	ErrNotRunning  = errors.New("bridge is not running")
)

// NormalizePeer accepts a bare IP address or host name. Ports and URLs are
// rejected: the data port is fixed by configuration.
func NormalizePeer(addr string) (string, error) {
	s := strings.TrimSpace(addr)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPeer)
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), nil
	}
	if !validHostname(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeer, addr)
	}
	return strings.ToLower(s), nil
}

func validHostname(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" || len(s) > 253 {
		return false
	}
	allDigits := true
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= '0' && c <= '9':
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-':
				allDigits = false
			default:
				return false
			}
		}
	}
	// "192.168.1" and friends are malformed IPs, not host names.
	return !allDigits
}
