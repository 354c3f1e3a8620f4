package transport

import (
	"encoding/json"
	"sync"

	"github.com/trailsense/fieldtrack/internal/wire"
)

// Handler consumes one inbound envelope.
type Handler = func(wire.Message)

type handlerSub struct {
	fn     Handler
	active bool
}

// dispatcher routes inbound envelopes to the generic any-message
// callbacks and to the per-type subscriber lists, FIFO per list.
type dispatcher struct {
	mu      sync.Mutex
	anySubs []*handlerSub
	byType  map[wire.MessageType][]*handlerSub
}

func (d *dispatcher) init() {
	d.byType = make(map[wire.MessageType][]*handlerSub)
}

func (d *dispatcher) onAny(h Handler) func() {
	d.mu.Lock()
	sub := &handlerSub{fn: h, active: true}
	d.anySubs = append(d.anySubs, sub)
	d.mu.Unlock()
	return d.unsubscriber(sub)
}

func (d *dispatcher) subscribe(t wire.MessageType, h Handler) func() {
	d.mu.Lock()
	sub := &handlerSub{fn: h, active: true}
	d.byType[t] = append(d.byType[t], sub)
	d.mu.Unlock()
	return d.unsubscriber(sub)
}

// unsubscriber deactivates the subscription; calling it twice is a
// no-op.
func (d *dispatcher) unsubscriber(sub *handlerSub) func() {
	return func() {
		d.mu.Lock()
		sub.active = false
		d.mu.Unlock()
	}
}

func (d *dispatcher) dispatch(msg wire.Message) {
	d.mu.Lock()
	handlers := make([]*handlerSub, 0, len(d.anySubs)+len(d.byType[msg.Type]))
	handlers = append(handlers, d.anySubs...)
	handlers = append(handlers, d.byType[msg.Type]...)
	d.mu.Unlock()

	for _, sub := range handlers {
		if sub.active {
			sub.fn(msg)
		}
	}
}

// parseEnvelope decodes one inbound frame. An unknown type tag is not
// an error; only unparseable JSON or a missing type is.
func parseEnvelope(data []byte) (wire.Message, error) {
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return wire.Message{}, wire.WrapError(err, wire.CodeProtocol, "unparseable inbound frame")
	}
	if msg.Type == "" {
		return wire.Message{}, wire.NewError(wire.CodeProtocol, "inbound frame missing type")
	}
	return msg, nil
}
