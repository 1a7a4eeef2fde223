package messaging

// Default queue names. One durable queue per consumer group; the publisher
// writes every event to each of them.
const (
	QueueProvisioning = "provisioning.events"
	QueueNotification = "notification.events"
)

// Consumer group names, also used as idempotency ledger namespaces.
const (
	ConsumerProvisioning = "provisioning"
	ConsumerNotification = "notification"
)

// DeadLetterSubjectPrefix prefixes the subject a dead letter is stored under.
// Example: deadletter.provisioning.events
const DeadLetterSubjectPrefix = "deadletter."

// DeadLetterSubject returns the dead-letter subject for queue.
func DeadLetterSubject(queue string) string {
	return DeadLetterSubjectPrefix + queue
}
