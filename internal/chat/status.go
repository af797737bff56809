package chat

import "fmt"

// Status is the delivery state of a message. Ordinals are persisted.
type Status int

const (
	Pending   Status = 0
	Error     Status = 1
	Sending   Status = 2
	Sent      Status = 3
	Delivered Status = 4
	Seen      Status = 5
)

var statusNames = map[Status]string{
	Pending:   "pending",
	Error:     "error",
	Sending:   "sending",
	Sent:      "sent",
	Delivered: "delivered",
	Seen:      "seen",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is on the ladder.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Acknowledged reports whether the server has the message.
func (s Status) Acknowledged() bool {
	return s >= Sent
}

// ParseStatus is the inverse of String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return Pending, fmt.Errorf("unknown status %q", name)
}

// Merge applies the ratchet for an update coming from the server. Error is
// never taken from inbound data. Anything the server acknowledges beats a
// local Error because Sent sits above it on the ladder.
func Merge(existing, incoming Status) Status {
	if incoming == Error || !incoming.Valid() {
		return existing
	}
	if incoming > existing {
		return incoming
	}
	return existing
}

// Fail returns the status after a failed local send attempt. Only messages
// the server has not acknowledged can fail.
func Fail(existing Status) (Status, bool) {
	if existing.Acknowledged() {
		return existing, false
	}
	return Error, true
}

// MarkerKind is the kind of a delivery or read receipt.
type MarkerKind int

const (
	MarkerDelivered MarkerKind = 1
	MarkerSeen      MarkerKind = 2
)

func (k MarkerKind) String() string {
	switch k {
	case MarkerDelivered:
		return "delivered"
	case MarkerSeen:
		return "seen"
	default:
		return fmt.Sprintf("marker(%d)", int(k))
	}
}

// Target is the message status implied by the marker.
func (k MarkerKind) Target() Status {
	switch k {
	case MarkerSeen:
		return Seen
	case MarkerDelivered:
		return Delivered
	default:
		return Sent
	}
}

// ParseMarkerKind accepts "delivered" or "seen" (also "read").
func ParseMarkerKind(name string) (MarkerKind, error) {
	switch name {
	case "delivered", "received":
		return MarkerDelivered, nil
	case "seen", "read", "displayed":
		return MarkerSeen, nil
	}
	return 0, fmt.Errorf("unknown marker kind %q", name)
}
