package bus

import (
	"log"
	"sync"

	"github.com/haricheung/stlpilot/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus carries mission events from the loop to its observers (auditor, display,
// task log). Publishing never blocks: the mission loop is strictly sequential
// and must not stall on a slow observer.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[types.MessageType][]chan types.Message
	taps        []chan types.Message
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[types.MessageType][]chan types.Message),
	}
}

// Publish fans out msg to all subscribers of msg.Type and to every tap.
// If a channel is full the message is dropped with a warning.
func (b *Bus) Publish(msg types.Message) {
	b.mu.RLock()
	subs := b.subscribers[msg.Type]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for type=%s from=%s — message dropped", msg.Type, msg.From)
		}
	}

	for _, ch := range taps {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: tap channel full — message dropped type=%s", msg.Type)
		}
	}
}

// Subscribe returns a receive-only channel that delivers messages of type t.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(t types.MessageType) <-chan types.Message {
	ch := make(chan types.Message, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// NewTap returns a fresh channel that receives every published message.
// The auditor and the display each hold their own tap.
func (b *Bus) NewTap() <-chan types.Message {
	ch := make(chan types.Message, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
