package endpoint

import "sync"

// mailbox is an unbounded FIFO drained into an unbuffered channel by its own
// goroutine, so producers never block on consumers.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	closed bool
	signal chan struct{}
	done   chan struct{}
	out    chan Message
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Message),
	}
	go m.run()
	return m
}

// put enqueues msg and reports false if the mailbox is closed.
func (m *mailbox) put(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		msg := m.queue[0]
		m.queue[0] = Message{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- msg:
		case <-m.done:
			return
		}
	}
}
