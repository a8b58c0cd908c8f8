package mesh

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrQueueClosed is returned by Do after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrQueueFull is returned by Do when a lane's buffer is exhausted.
	ErrQueueFull = errors.New("queue full")
)

// SeqQueue executes jobs one at a time per key while different keys run in
// parallel. The endpoint keys it by session so each session's forwarded
// messages are handled in arrival order. Lanes live until Close.
type SeqQueue struct {
	size int
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
	lanes  map[string]chan func()

	wg sync.WaitGroup
}

// NewSeqQueue creates a queue whose lanes buffer up to size jobs.
func NewSeqQueue(size int, log *zap.Logger) *SeqQueue {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SeqQueue{
		size:  size,
		log:   log.Named("seqqueue"),
		lanes: make(map[string]chan func()),
	}
}

// Do enqueues job on key's lane without blocking. Jobs on the same key run
// in enqueue order, one at a time.
func (q *SeqQueue) Do(key string, job func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	lane, ok := q.lanes[key]
	if !ok {
		lane = make(chan func(), q.size)
		q.lanes[key] = lane
		q.wg.Add(1)
		go q.run(key, lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, lets queued ones drain, and waits for the lane
// goroutines to exit.
func (q *SeqQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *SeqQueue) run(key string, lane chan func()) {
	defer q.wg.Done()
	for job := range lane {
		q.safeRun(key, job)
	}
}

// safeRun keeps a panicking job from killing the lane.
func (q *SeqQueue) safeRun(key string, job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queued job panicked", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	job()
}
