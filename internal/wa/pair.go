package wa

import (
	"context"
	"fmt"
)

// PairEventType enumerates pairing progress.
type PairEventType string

const (
	PairCode    PairEventType = "code"
	PairSuccess PairEventType = "success"
	PairTimeout PairEventType = "timeout"
	PairFailed  PairEventType = "failed"
)

// PairEvent is one step of the QR pairing flow.
type PairEvent struct {
	Type    PairEventType
	Code    string
	Message string
}

// Pair starts QR pairing. Each code should be rendered for the phone to
// scan; the channel closes after success, timeout or failure.
func (c *Client) Pair(ctx context.Context) (<-chan PairEvent, error) {
	if c.IsLoggedIn() {
		return nil, fmt.Errorf("already paired as %s", c.Owner())
	}
	qr, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}

	out := make(chan PairEvent, 10)
	go func() {
		defer close(out)
		// Connect must follow GetQRChannel.
		if err := c.client.Connect(); err != nil {
			out <- PairEvent{Type: PairFailed, Message: err.Error()}
			return
		}
		for item := range qr {
			switch item.Event {
			case "code":
				out <- PairEvent{Type: PairCode, Code: item.Code}
			case "success":
				c.stream.close(false)
				c.stream.clearLoggedOut()
				out <- PairEvent{Type: PairSuccess, Message: c.Owner()}
				return
			case "timeout":
				out <- PairEvent{Type: PairTimeout, Message: "QR code timeout"}
				return
			default:
				if item.Error != nil {
					out <- PairEvent{Type: PairFailed, Message: item.Error.Error()}
					return
				}
			}
		}
	}()
	return out, nil
}
