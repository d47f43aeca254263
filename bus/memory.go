package bus

import "context"

// Memory is an in-process Bus backed by a buffered channel of fixed size,
// used when BUS_URI is unset and throughout this repo's tests. Publish
// blocks while the buffer is full, until a subscriber reads or ctx is
// done (then it returns *ErrUnavailable). Delivery is acked
// automatically once handed to the subscriber; redelivery on crash is
// not attempted, since there is no persistent backing store to redeliver
// from.
type Memory struct {
	deliveries chan Delivery
}

// NewMemory constructs a Memory bus with the given channel buffer size.
func NewMemory(buffer int) *Memory {
	return &Memory{deliveries: make(chan Delivery, buffer)}
}

func (m *Memory) Publish(ctx context.Context, event Event) error {
	d := Delivery{ID: newDeliveryID(), Event: event, Ack: func() {}, Nack: func() {}}
	select {
	case m.deliveries <- d:
		return nil
	case <-ctx.Done():
		return &ErrUnavailable{Err: ctx.Err()}
	}
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	return m.deliveries, nil
}

var _ Bus = (*Memory)(nil)
