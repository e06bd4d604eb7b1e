package device

import "sync"

// Message is one inbound transport message.
type Message struct {
	Topic   string
	Payload []byte
}

// inbox is a bounded FIFO between transport goroutines and the loop.
//
// When full, new messages are refused (drop-newest) so a flood of commands
// cannot grow memory. Wait signals through a channel of size 1, which
// coalesces bursts into a single wake-up.
type inbox struct {
	mu       sync.Mutex
	messages []Message
	capacity int
	closed   bool
	signal   chan struct{}
}

func newInbox(capacity int) *inbox {
	if capacity <= 0 {
		capacity = DefaultInboxSize
	}
	return &inbox{
		messages: make([]Message, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push appends m. Returns false if the inbox is full or closed.
// Thread-safe: may be called from any goroutine.
func (q *inbox) Push(m Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.messages) >= q.capacity {
		return false
	}
	q.messages = append(q.messages, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes and returns the oldest message without blocking.
func (q *inbox) TryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return Message{}, false
	}
	m := q.messages[0]
	// Release the payload so the backing array does not pin it.
	q.messages[0] = Message{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// Wait returns a channel that signals when messages may be available.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close refuses further pushes. Queued messages can still be popped.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
