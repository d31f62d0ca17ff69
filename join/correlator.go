package join

import (
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/semrml/item"
)

// Config configures the correlator.
type Config struct {
	WindowLengthMs int64 `json:"window_length_ms" schema:"type:int,description:Join window length in milliseconds,default:10000,min:1"`
	Partitions     int   `json:"partitions" schema:"type:int,description:Number of key partitions,default:4,min:1"`
	BufferSize     int   `json:"buffer_size" schema:"type:int,description:Per-partition input buffer,default:256,min:1"`
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{
		WindowLengthMs: 10000,
		Partitions:     4,
		BufferSize:     256,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WindowLengthMs <= 0 {
		return fmt.Errorf("window_length_ms must be positive, got %d", c.WindowLengthMs)
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("buffer_size must not be negative, got %d", c.BufferSize)
	}
	return nil
}

// WindowLength returns the window length as a duration.
func (c Config) WindowLength() time.Duration {
	return time.Duration(c.WindowLengthMs) * time.Millisecond
}

// Window is the half-open event-time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Match is one emitted JoinedItem with its provenance.
type Match struct {
	Joined     *item.Joined
	Key        string
	Window     Window
	ChildTime  time.Time
	ParentTime time.Time
}

// Stats counts correlator outcomes since creation.
type Stats struct {
	Buffered  int64 // items accepted into a bucket
	Late      int64 // items whose window had already closed
	Unkeyed   int64 // items without a complete join key
	Emitted   int64 // joined items produced
	Unmatched int64 // items released from one-sided buckets
}

type bucket struct {
	children []item.Timed
	parents  []item.Timed
}

// Correlator is a single-partition windowed inner join. Windows are aligned
// to the Unix epoch: window k covers [k*L, (k+1)*L). A window closes once the
// watermark reaches its end; its buckets are cross-joined and released.
//
// A Correlator is not safe for concurrent use; Partitioned gives each worker
// its own.
type Correlator struct {
	cond   Condition
	length int64

	windows      map[int64]map[string]*bucket
	watermark    time.Time
	hasWatermark bool
	firstOpen    int64
	pending      int
	stats        Stats
}

// NewCorrelator creates a correlator for the condition and window length.
func NewCorrelator(cond Condition, windowLength time.Duration) (*Correlator, error) {
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	ms := windowLength.Milliseconds()
	if ms <= 0 {
		return nil, fmt.Errorf("window length must be at least 1ms, got %s", windowLength)
	}
	return &Correlator{
		cond:    cond,
		length:  ms,
		windows: make(map[int64]map[string]*bucket),
	}, nil
}

// Add buffers an item into its (key, window) bucket. It returns false when
// the item has no complete key or its window has already closed.
func (c *Correlator) Add(side Side, t item.Timed) bool {
	key, ok := c.cond.Key(side, t.Item)
	if !ok {
		c.stats.Unkeyed++
		return false
	}
	return c.addKeyed(side, key, t)
}

func (c *Correlator) addKeyed(side Side, key string, t item.Timed) bool {
	w := floorDiv(t.Time.UnixMilli(), c.length)
	if c.hasWatermark && w < c.firstOpen {
		c.stats.Late++
		return false
	}

	keys, ok := c.windows[w]
	if !ok {
		keys = make(map[string]*bucket)
		c.windows[w] = keys
	}
	b, ok := keys[key]
	if !ok {
		b = &bucket{}
		keys[key] = b
	}
	if side == Parent {
		b.parents = append(b.parents, t)
	} else {
		b.children = append(b.children, t)
	}
	c.pending++
	c.stats.Buffered++
	return true
}

// Advance moves the watermark and closes every window that ends at or
// before it. A watermark that does not move forward is ignored.
func (c *Correlator) Advance(watermark time.Time) []Match {
	if c.hasWatermark && !watermark.After(c.watermark) {
		return nil
	}
	c.watermark = watermark
	c.hasWatermark = true
	c.firstOpen = floorDiv(watermark.UnixMilli(), c.length)

	var closing []int64
	for w := range c.windows {
		if w < c.firstOpen {
			closing = append(closing, w)
		}
	}
	if len(closing) == 0 {
		return nil
	}
	sort.Slice(closing, func(i, j int) bool { return closing[i] < closing[j] })

	var out []Match
	for _, w := range closing {
		out = c.close(w, out)
	}
	return out
}

func (c *Correlator) close(w int64, out []Match) []Match {
	keys := c.windows[w]
	delete(c.windows, w)

	window := Window{
		Start: time.UnixMilli(w * c.length).UTC(),
		End:   time.UnixMilli((w + 1) * c.length).UTC(),
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		b := keys[k]
		c.pending -= len(b.children) + len(b.parents)
		if len(b.children) == 0 || len(b.parents) == 0 {
			c.stats.Unmatched += int64(len(b.children) + len(b.parents))
			continue
		}
		for _, ch := range b.children {
			for _, p := range b.parents {
				out = append(out, Match{
					Joined:     item.NewJoined(ch.Item, p.Item),
					Key:        k,
					Window:     window,
					ChildTime:  ch.Time,
					ParentTime: p.Time,
				})
			}
		}
		c.stats.Emitted += int64(len(b.children) * len(b.parents))
	}
	return out
}

// Discard drops all buffered state without emitting. The watermark is kept.
func (c *Correlator) Discard() {
	c.windows = make(map[int64]map[string]*bucket)
	c.pending = 0
}

// Pending returns the number of buffered items.
func (c *Correlator) Pending() int { return c.pending }

// OpenWindows returns the number of windows holding state.
func (c *Correlator) OpenWindows() int { return len(c.windows) }

// Watermark returns the current watermark and whether one was set.
func (c *Correlator) Watermark() (time.Time, bool) { return c.watermark, c.hasWatermark }

// Stats returns outcome counters.
func (c *Correlator) Stats() Stats { return c.stats }

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
