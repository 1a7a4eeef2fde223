package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/telhawk-systems/controlplane/common/failure"
)

// MultiSender tries each sender in order until one accepts the message.
// A permanent failure stops the chain: the next sender would reject the
// same message.
type MultiSender struct {
	senders []Sender
}

func NewMulti(senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

func (m *MultiSender) Name() string {
	names := make([]string, len(m.senders))
	for i, s := range m.senders {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

func (m *MultiSender) Send(ctx context.Context, msg Message) error {
	if len(m.senders) == 0 {
		return failure.Configf("no senders configured")
	}
	var (
		errs []error
		last error
	)
	for _, s := range m.senders {
		last = s.Send(ctx, msg)
		if last == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), last))
		if failure.IsPermanent(last) || ctx.Err() != nil {
			break
		}
	}
	// The last sender tried decides how the message is settled.
	return &failure.Error{Kind: failure.KindOf(last), Err: errors.Join(errs...)}
}
