// Package channel delivers payment-status updates for one attempt, either over a realtime
// push connection or by polling the backend.
package channel

import (
	"context"

	"github.com/kevin07696/uniform-pay/internal/domain"
)

// EventHandler receives normalized status events
type EventHandler func(domain.StatusEvent)

// Channel is the capability set shared by the realtime hub and the poller.
// Both stop scheduling work on their own once they emit a PAID or CANCELED event.
type Channel interface {
	// Connect starts delivering events for id. Connecting to the id already active is a no-op;
	// a different id replaces the current one.
	Connect(ctx context.Context, id string) error
	// Disconnect stops all work. Safe to call repeatedly.
	Disconnect()
	// OnEvent registers h and returns a func that removes it
	OnEvent(h EventHandler) (unsubscribe func())
	// Mode names the transport
	Mode() domain.ChannelMode
}
