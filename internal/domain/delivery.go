package domain

// QueueKind identifies which of a stage's queues a delivery arrived on.
type QueueKind string

const (
	QueueService     QueueKind = "service"
	QueueListener    QueueKind = "listener"
	QueueCredentials QueueKind = "credentials"
)

// Delivery is one inbound broker message. Ack must be called exactly once,
// after the handler has finished, so a crash mid-handler leaves the message
// unacknowledged for redelivery.
type Delivery struct {
	Queue QueueKind
	Body  []byte
	Ack   func() error
}
