package mesh

import (
	"context"
	"sync"
)

// replyFuture hands one handler outcome from whatever goroutine completes
// the dispatch callback to the lane worker waiting on it. It completes
// exactly once; late or duplicate completions are dropped.
type replyFuture struct {
	ch   chan struct{}
	once sync.Once

	mu  sync.Mutex
	rep *Reply
	err error
}

func newReplyFuture() *replyFuture {
	return &replyFuture{ch: make(chan struct{})}
}

func (f *replyFuture) complete(rep *Reply, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.rep = rep
		f.err = err
		f.mu.Unlock()
		close(f.ch)
	})
}

// wait blocks until completion or ctx expiry, whichever comes first.
func (f *replyFuture) wait(ctx context.Context) (*Reply, error) {
	select {
	case <-f.ch:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.rep, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
