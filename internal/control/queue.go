package control

import "sync"

// Queue is an unbounded FIFO of commands. Producers are input handlers; the
// main loop is the only consumer.
type Queue struct {
	mu    sync.Mutex
	items []Command
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends cmd.
func (q *Queue) Push(cmd Command) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()
}

// TryPop removes and returns the oldest command without blocking.
func (q *Queue) TryPop() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Command{}, false
	}
	cmd := q.items[0]
	q.items[0] = Command{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return cmd, true
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
