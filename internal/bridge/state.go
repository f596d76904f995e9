package bridge

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionState is what the bridge knows about the peer.
type ConnectionState int

const (
	// Searching means no peer address is known.
	Searching ConnectionState = iota
	// Connected means a peer address is known and the last send, if any,
	// succeeded.
	Connected
	// Disconnected means the last send to the known peer failed. The address
	// is kept.
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Searching:
		return "SEARCHING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "SEARCHING":
		*s = Searching
	case "CONNECTED":
		*s = Connected
	case "DISCONNECTED":
		*s = Disconnected
	default:
		return fmt.Errorf("unknown connection state %q", string(b))
	}
	return nil
}

// StateChange is delivered to state observers once per actual change of
// state or peer address.
type StateChange struct {
	From ConnectionState `json:"from"`
	To   ConnectionState `json:"to"`
	Peer string          `json:"peer,omitempty"`
	At   time.Time       `json:"at"`
}
