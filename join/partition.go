package join

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semrml/item"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when submitting to a closed or stopped correlator.
var ErrClosed = errors.New("correlator closed")

// event is one unit of work for a partition worker.
type event struct {
	side      Side
	key       string
	timed     item.Timed
	watermark time.Time
	isMark    bool
}

// Partitioned runs one Correlator per partition. Keys are routed by hash so
// every (key, window) bucket lives in exactly one partition; watermarks are
// broadcast to all partitions.
type Partitioned struct {
	cond   Condition
	cfg    Config
	logger *slog.Logger

	inputs []chan event
	out    chan Match
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	running atomic.Bool

	buffered  atomic.Int64
	late      atomic.Int64
	unkeyed   atomic.Int64
	emitted   atomic.Int64
	unmatched atomic.Int64
	pending   atomic.Int64
}

// NewPartitioned creates a partitioned correlator. Call Run to start it.
func NewPartitioned(cond Condition, cfg Config, logger *slog.Logger) (*Partitioned, error) {
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Partitioned{
		cond:   cond,
		cfg:    cfg,
		logger: logger,
		inputs: make([]chan event, cfg.Partitions),
		out:    make(chan Match, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	for i := range p.inputs {
		p.inputs[i] = make(chan event, cfg.BufferSize)
	}
	return p, nil
}

// Output returns the joined items. It is closed when Run returns.
func (p *Partitioned) Output() <-chan Match { return p.out }

// Partition returns the partition owning a key.
func (p *Partitioned) Partition(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.inputs)))
}

// Submit routes an item to the partition owning its key. It returns false
// without error when the item has no complete key.
func (p *Partitioned) Submit(ctx context.Context, side Side, t item.Timed) (bool, error) {
	key, ok := p.cond.Key(side, t.Item)
	if !ok {
		p.unkeyed.Add(1)
		return false, nil
	}
	ev := event{side: side, key: key, timed: t}
	if err := p.send(ctx, p.inputs[p.Partition(key)], ev); err != nil {
		return false, err
	}
	return true, nil
}

// AdvanceWatermark broadcasts a watermark to every partition.
func (p *Partitioned) AdvanceWatermark(ctx context.Context, watermark time.Time) error {
	ev := event{watermark: watermark, isMark: true}
	for _, in := range p.inputs {
		if err := p.send(ctx, in, ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *Partitioned) send(ctx context.Context, in chan event, ev event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case in <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// Close stops accepting input. Workers drain what was already submitted and
// exit; state still buffered at that point is discarded. Advance the
// watermark past the last window first to flush it.
func (p *Partitioned) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, in := range p.inputs {
		close(in)
	}
}

// Run starts one worker per partition and blocks until the inputs are
// closed or ctx is cancelled. Cancellation discards buffered state without
// emitting partial results. Run may be called once.
func (p *Partitioned) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("correlator already running")
	}
	defer close(p.out)
	defer close(p.done)

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range p.inputs {
		g.Go(func() error {
			return p.worker(gctx, i, in)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Partitioned) worker(ctx context.Context, id int, in <-chan event) error {
	c, err := NewCorrelator(p.cond, p.cfg.WindowLength())
	if err != nil {
		return err
	}
	defer func() {
		if n := c.Pending(); n > 0 {
			p.logger.Debug("Discarding buffered join state", "partition", id, "items", n)
			p.pending.Add(-int64(n))
			c.Discard()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if !ev.isMark {
				before := c.stats
				if c.addKeyed(ev.side, ev.key, ev.timed) {
					p.buffered.Add(1)
					p.pending.Add(1)
				} else if c.stats.Late > before.Late {
					p.late.Add(1)
				}
				continue
			}

			pendingBefore := c.Pending()
			unmatchedBefore := c.stats.Unmatched
			matches := c.Advance(ev.watermark)
			p.pending.Add(int64(c.Pending() - pendingBefore))
			p.unmatched.Add(c.stats.Unmatched - unmatchedBefore)

			for _, m := range matches {
				select {
				case p.out <- m:
					p.emitted.Add(1)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Stats returns outcome counters aggregated over all partitions.
func (p *Partitioned) Stats() Stats {
	return Stats{
		Buffered:  p.buffered.Load(),
		Late:      p.late.Load(),
		Unkeyed:   p.unkeyed.Load(),
		Emitted:   p.emitted.Load(),
		Unmatched: p.unmatched.Load(),
	}
}

// Pending returns the number of items buffered across all partitions.
func (p *Partitioned) Pending() int64 { return p.pending.Load() }
