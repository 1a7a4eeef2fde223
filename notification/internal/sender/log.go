package sender

import (
	"context"

	"github.com/telhawk-systems/controlplane/common/logging"
)

// LogSender writes notifications to the log instead of sending them.
type LogSender struct {
	logger *logging.Logger
}

func NewLog(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

func (l *LogSender) Name() string {
	return "log"
}

func (l *LogSender) Send(ctx context.Context, msg Message) error {
	if _, err := ParseRecipient(msg); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "notification",
		"to", msg.To,
		"subject", msg.Subject,
		"template", msg.Template,
		logging.EventID(msg.EventID),
		logging.TenantRef(msg.TenantRef),
	)
	return nil
}
