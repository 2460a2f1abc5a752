package events

// Subscriber is the interface for consuming the change-notification feed.
type Subscriber interface {
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}
