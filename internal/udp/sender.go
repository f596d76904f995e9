package udp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

type packetConn interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type listenFunc func(network string, laddr *net.UDPAddr) (packetConn, error)

// Sender writes datagrams to a peer's data port. The socket is opened on the
// first Send and reused until Close.
type Sender struct {
	port    int
	resolve resolveFunc
	listen  listenFunc

	mu   sync.Mutex
	conn packetConn
}

func NewSender(port int) *Sender {
	return newSender(port, net.ResolveUDPAddr, func(network string, laddr *net.UDPAddr) (packetConn, error) {
		return net.ListenUDP(network, laddr)
	})
}

func newSender(port int, resolve resolveFunc, listen listenFunc) *Sender {
	return &Sender{port: port, resolve: resolve, listen: listen}
}

// Send resolves host on every call so a changed peer address takes effect
// on the next datagram.
func (s *Sender) Send(host string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if host == "" {
		return errors.New("udp send: empty host")
	}
	addr, err := s.resolve("udp", net.JoinHostPort(host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("resolve peer: %w", err)
	}

	conn, err := s.socket()
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(payload, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			s.drop(conn)
		}
		return fmt.Errorf("udp write %s: %w", addr, err)
	}
	return nil
}

func (s *Sender) socket() (packetConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, err := s.listen("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Sender) drop(conn packetConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Sender) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
