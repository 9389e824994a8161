package worker

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// maxClosedJobs bounds how many finished jobs are remembered so that late
// subscribers get a closed channel instead of waiting forever.
const maxClosedJobs = 1024

// LogBroker fans job log lines out to live subscribers. It is safe for
// concurrent use.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
	closed []string // finished job ids, oldest first
}

type logTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives log lines for the given job and
// an unsubscribe function. If the job already finished, the channel is
// closed immediately.
func (b *LogBroker) Subscribe(jobID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(jobID)

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish sends a log line to all subscribers of the given job.
// Lines are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(jobID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Open starts a topic for a job so that Publish reaches subscribers that
// arrive before the first line.
func (b *LogBroker) Open(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic(jobID)
}

// Close signals that no more lines will be published for the given job.
// All subscriber channels are closed.
func (b *LogBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(jobID)
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}

	b.closed = append(b.closed, jobID)
	if len(b.closed) > maxClosedJobs {
		delete(b.topics, b.closed[0])
		b.closed = b.closed[1:]
	}
}

// topic returns the topic for jobID, creating it. Caller holds b.mu.
func (b *LogBroker) topic(jobID string) *logTopic {
	t, ok := b.topics[jobID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[jobID] = t
	}
	return t
}
