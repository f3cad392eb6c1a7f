package feed

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"updown/internal/clock"
	"updown/internal/event"
)

// PricePoint is one tick of the synthetic series.
type PricePoint struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
}

// Source yields uniform draws in [0, 1).
type Source interface {
	Float64() float64
}

// Options parameterise the random walk.
type Options struct {
	InitialPrice  float64
	Volatility    float64
	Drift         float64
	TickInterval  time.Duration
	Capacity      int
	WindowPoints  int
	LookbackRatio float64
	Floor         float64
	Seed          uint64
}

const (
	defaultInitialPrice = 150.0
	defaultCapacity     = 1000
	defaultWindowPoints = 240
	defaultLookback     = 0.75
	defaultFloor        = 0.01
	defaultTickInterval = 250 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.InitialPrice <= 0 {
		o.InitialPrice = defaultInitialPrice
	}
	if o.Capacity <= 0 {
		o.Capacity = defaultCapacity
	}
	if o.WindowPoints <= 0 || o.WindowPoints > o.Capacity {
		o.WindowPoints = min(defaultWindowPoints, o.Capacity)
	}
	if o.LookbackRatio <= 0 || o.LookbackRatio > 1 {
		o.LookbackRatio = defaultLookback
	}
	if o.Floor <= 0 {
		o.Floor = defaultFloor
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	return o
}

// Feed generates a bounded random walk and keeps the most recent points.
type Feed struct {
	clk    clock.Clock
	src    Source
	logger zerolog.Logger

	mu       sync.RWMutex
	opts     Options
	buf      []PricePoint
	head     int
	size     int
	running  bool
	gen      uint64
	timer    clock.Timer
	lastTick PricePoint

	subscribers event.Registry[PricePoint]
}

// New constructs a feed. A nil src seeds a PCG generator from opts.Seed,
// or from the clock when the seed is zero.
func New(opts Options, clk clock.Clock, src Source, logger zerolog.Logger) *Feed {
	opts = opts.withDefaults()
	if src == nil {
		seed := opts.Seed
		if seed == 0 {
			seed = uint64(clk.Now().UnixNano())
		}
		src = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return &Feed{
		clk:    clk,
		src:    src,
		logger: logger.With().Str("component", "price_feed").Logger(),
		opts:   opts,
		buf:    make([]PricePoint, opts.Capacity),
	}
}

// Tick advances the walk by one step, appends the point and notifies subscribers.
func (f *Feed) Tick() PricePoint {
	f.mu.Lock()
	p := f.nextLocked(clock.UnixMilli(f.clk))
	f.mu.Unlock()

	f.subscribers.Notify(p)
	return p
}

// Warmup pre-fills n points spaced one tick interval apart and ending now.
// Subscribers are not notified.
func (f *Feed) Warmup(n int) {
	if n <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := clock.UnixMilli(f.clk)
	step := f.opts.TickInterval.Milliseconds()
	for i := n - 1; i >= 0; i-- {
		f.nextLocked(now - int64(i)*step)
	}
	f.logger.Debug().Int("points", n).Float64("price", f.lastTick.Price).Msg("feed warmed up")
}

func (f *Feed) nextLocked(ts int64) PricePoint {
	prev := f.opts.InitialPrice
	if f.size > 0 {
		prev = f.lastTick.Price
		if ts < f.lastTick.Timestamp {
			ts = f.lastTick.Timestamp
		}
	}

	u := 2*f.src.Float64() - 1
	next := prev + prev*f.opts.Volatility*u + prev*f.opts.Drift
	if math.IsNaN(next) || next < f.opts.Floor {
		next = f.opts.Floor
	}

	p := PricePoint{Timestamp: ts, Price: next}
	f.appendLocked(p)
	f.lastTick = p
	return p
}

func (f *Feed) appendLocked(p PricePoint) {
	capacity := len(f.buf)
	idx := (f.head + f.size) % capacity
	f.buf[idx] = p
	if f.size < capacity {
		f.size++
		return
	}
	f.head = (f.head + 1) % capacity
}

func (f *Feed) at(i int) PricePoint {
	return f.buf[(f.head+i)%len(f.buf)]
}

// CurrentPrice returns the point at the look-back offset inside the visible
// window, or the initial price before the first tick.
func (f *Feed) CurrentPrice() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.size == 0 {
		return f.opts.InitialPrice
	}
	n := min(f.size, f.opts.WindowPoints)
	start := f.size - n
	offset := int(math.Floor(float64(n-1) * f.opts.LookbackRatio))
	return f.at(start + offset).Price
}

// LatestPrice returns the freshest tick.
func (f *Feed) LatestPrice() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.size == 0 {
		return f.opts.InitialPrice
	}
	return f.lastTick.Price
}

// HistoricalRange returns points with from <= timestamp <= to, ascending.
func (f *Feed) HistoricalRange(from, to int64) []PricePoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if from > to || f.size == 0 {
		return nil
	}

	lo := sort.Search(f.size, func(i int) bool { return f.at(i).Timestamp >= from })
	hi := sort.Search(f.size, func(i int) bool { return f.at(i).Timestamp > to })
	out := make([]PricePoint, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, f.at(i))
	}
	return out
}

// Points returns a copy of the buffer, oldest first.
func (f *Feed) Points() []PricePoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]PricePoint, f.size)
	for i := range out {
		out[i] = f.at(i)
	}
	return out
}

// Len reports the buffered point count.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// Subscribe registers fn for every subsequent tick.
func (f *Feed) Subscribe(fn func(PricePoint)) func() {
	return f.subscribers.Subscribe(fn)
}

// Options returns the active parameters.
func (f *Feed) Options() Options {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.opts
}

// SetVolatility applies from the next tick.
func (f *Feed) SetVolatility(v float64) {
	if v < 0 {
		return
	}
	f.mu.Lock()
	f.opts.Volatility = v
	f.mu.Unlock()
}

// SetDrift applies from the next tick.
func (f *Feed) SetDrift(d float64) {
	f.mu.Lock()
	f.opts.Drift = d
	f.mu.Unlock()
}

// SetTickInterval applies when the next tick is scheduled.
func (f *Feed) SetTickInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.opts.TickInterval = d
	f.mu.Unlock()
}

// SetLookbackRatio applies on the next CurrentPrice read.
func (f *Feed) SetLookbackRatio(r float64) {
	if r <= 0 || r > 1 {
		return
	}
	f.mu.Lock()
	f.opts.LookbackRatio = r
	f.mu.Unlock()
}

// Start begins ticking on the clock. It reports false if already running.
func (f *Feed) Start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return false
	}
	f.running = true
	f.gen++
	f.scheduleLocked(f.gen)
	f.logger.Info().Dur("interval", f.opts.TickInterval).Msg("price feed started")
	return true
}

// Stop cancels the pending tick. It reports false if the feed was idle.
func (f *Feed) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return false
	}
	f.running = false
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.logger.Info().Msg("price feed stopped")
	return true
}

// Running reports whether the tick timer is active.
func (f *Feed) Running() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.running
}

func (f *Feed) scheduleLocked(gen uint64) {
	f.timer = f.clk.AfterFunc(f.opts.TickInterval, func() { f.onTimer(gen) })
}

func (f *Feed) onTimer(gen uint64) {
	f.mu.Lock()
	if !f.running || f.gen != gen {
		f.mu.Unlock()
		return
	}
	p := f.nextLocked(clock.UnixMilli(f.clk))
	f.scheduleLocked(gen)
	f.mu.Unlock()

	f.subscribers.Notify(p)
}
