package transcribe

import (
	"context"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/decred/slog"
	"github.com/pbnjay/memory"

	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/metrics"
)

// bytesPerSample is the in-memory size of a queued sample.
const bytesPerSample = 4

// Queue is an unbounded FIFO of chunks between the capture threads and the
// consumer. Push never blocks. When the queued audio grows past the
// warning mark a warning is logged; nothing is ever dropped.
type Queue struct {
	log   slog.Logger
	stats *metrics.Stats

	mtx       sync.Mutex
	items     *list.List[audio.Chunk]
	bytes     uint64
	warnBytes uint64
	warned    bool

	// signal is written (without blocking) on every push.
	signal chan struct{}
}

// NewQueue creates an empty queue. warnBytes is the backlog size that
// triggers a warning. Zero uses 1/8th of the system memory.
func NewQueue(warnBytes uint64, log slog.Logger, stats *metrics.Stats) *Queue {
	if warnBytes == 0 {
		warnBytes = memory.TotalMemory() / 8
	}
	if log == nil {
		log = slog.Disabled
	}
	return &Queue{
		log:       log,
		stats:     stats,
		items:     list.New[audio.Chunk](),
		warnBytes: warnBytes,
		signal:    make(chan struct{}, 1),
	}
}

// Push appends a chunk. It is safe to call from driver threads.
func (q *Queue) Push(c audio.Chunk) {
	q.mtx.Lock()
	q.items.PushBack(c)
	q.bytes += uint64(len(c.Samples)) * bytesPerSample
	n := q.items.Len()
	warn := !q.warned && q.warnBytes > 0 && q.bytes > q.warnBytes
	if warn {
		q.warned = true
	}
	queued := q.bytes
	q.mtx.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	q.stats.ChunkEnqueued(c.Source.String())
	q.stats.QueueLen(n)
	if warn {
		q.log.Warnf("Transcription is falling behind: %d chunks (%d MiB) "+
			"waiting", n, queued>>20)
	}
}

// tryPop removes the head of the queue.
func (q *Queue) tryPop() (audio.Chunk, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	e := q.items.Front()
	if e == nil {
		return audio.Chunk{}, false
	}
	c := q.items.Remove(e)
	q.bytes -= uint64(len(c.Samples)) * bytesPerSample
	if q.warned && q.bytes < q.warnBytes/2 {
		q.warned = false
	}
	q.stats.QueueLen(q.items.Len())
	return c, true
}

// Pop removes and returns the oldest chunk, waiting at most timeout for one
// to arrive. It returns false if the timeout elapsed or ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (audio.Chunk, bool) {
	if c, ok := q.tryPop(); ok {
		return c, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.signal:
			if c, ok := q.tryPop(); ok {
				return c, true
			}
		case <-timer.C:
			return q.tryPop()
		case <-ctx.Done():
			return audio.Chunk{}, false
		}
	}
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.items.Len()
}
