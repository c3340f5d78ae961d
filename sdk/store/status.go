package store

import "github.com/mbeoliero/chatsync/pkg/protocol"

// Status is the delivery state of a message.
// Sending and Failed are local states and share the lowest rank.
type Status int

const (
	StatusSending Status = iota
	StatusFailed
	StatusSent
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusFailed:
		return "failed"
	case StatusSent:
		return protocol.StatusSent
	case StatusDelivered:
		return protocol.StatusDelivered
	case StatusRead:
		return protocol.StatusRead
	default:
		return "unknown"
	}
}

// Rank orders statuses along sent < delivered < read
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Confirmed reports whether the server has acknowledged the message
func (s Status) Confirmed() bool {
	return s.Rank() > 0
}

// ParseStatus maps a wire status; anything unknown is treated as sent
func ParseStatus(v string) Status {
	switch v {
	case protocol.StatusDelivered:
		return StatusDelivered
	case protocol.StatusRead:
		return StatusRead
	default:
		return StatusSent
	}
}

// Advance returns the later of cur and next; it never moves backwards
func Advance(cur, next Status) Status {
	if next.Rank() > cur.Rank() {
		return next
	}
	return cur
}
