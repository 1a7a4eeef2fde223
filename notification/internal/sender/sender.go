// Package sender delivers rendered notifications.
//
// Every Sender classifies its errors: a relay that is down or answers with
// a temporary status is transient, while an invalid address or a permanent
// rejection is a business-rule failure that retrying cannot fix.
package sender

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/telhawk-systems/controlplane/common/failure"
)

// Message is one notification ready to send.
type Message struct {
	To        string `json:"to"`
	ToName    string `json:"to_name,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Template  string `json:"template"`
	EventID   string `json:"event_id"`
	TenantRef string `json:"tenant_ref"`
}

// IdempotencyKey identifies the message across redeliveries.
func (m Message) IdempotencyKey() string {
	return m.EventID + ":" + m.Template
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// ParseRecipient validates msg.To. An unusable address is a payload error.
func ParseRecipient(msg Message) (*mail.Address, error) {
	addr, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, failure.Payload(fmt.Errorf("invalid recipient address %q: %w", msg.To, err))
	}
	if msg.ToName != "" {
		addr.Name = msg.ToName
	}
	return addr, nil
}
