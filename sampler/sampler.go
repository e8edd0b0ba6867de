// Package sampler implements the periodic control loop (component C7):
// polling retained counts per class, detecting ratcheting growth, escalating
// suspicious classes to stack-capturing mode, driving call-tree pruning, and
// exposing the analyze() leak-attribution query.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/memtrack/retaintrack/alloc"
	"github.com/memtrack/retaintrack/calltree"
	"github.com/memtrack/retaintrack/internal/diag"
	"github.com/memtrack/retaintrack/rtadapter"
)

// ErrAlreadyRunning is returned by Start when the sampler is already
// running (spec §7's "recoverable — caller-visible" class of error).
var ErrAlreadyRunning = errors.New("sampler: already running")

// ErrNotRunning is returned by Stop when the sampler is not running.
var ErrNotRunning = errors.New("sampler: not running")

// CaptureView is the narrow slice of Capture's behavior the sampler
// depends on. Capture implements it; the interface exists so sampler does
// not import the root package and depends only on this narrow view.
type CaptureView interface {
	// Get returns the Allocations record for class, or nil if the class has
	// never had a NEW processed.
	Get(class rtadapter.ClassRef) *alloc.Record
	// Track attaches callback to class's Allocations, creating the record
	// if it does not yet exist.
	Track(class rtadapter.ClassRef, callback alloc.Callback) *alloc.Record
	// EachObject enumerates every currently-tracked object of class (per
	// Capture's scoped strong-mode enumeration contract).
	EachObject(class rtadapter.ClassRef, visit func(object rtadapter.ObjectRef, data any))
	// AddressOf renders an object identity as a stable hex string.
	AddressOf(object rtadapter.ObjectRef) string
}

// StackCaptureFunc is the host-provided stack inspection collaborator
// (deliberately out of scope per spec §1 — only the contract is specified
// here). It must return at most depth frames, outermost first.
type StackCaptureFunc func(depth int) []calltree.Frame

// FrameFilter reports whether frame should be kept when building a call
// tree path; returning false drops the frame from the captured stack
// (typically used to elide profiler-internal or allocator-internal
// frames).
type FrameFilter func(frame calltree.Frame) bool

// Sample is one class's ratcheting leak-detection state (spec §3).
type Sample struct {
	Target       rtadapter.ClassRef
	Current      uint64
	MaxObserved  uint64
	Increases    uint32
	SamplesTaken uint64
	Threshold    uint64
}

type watched struct {
	sample    Sample
	tree      *calltree.Tree
	escalated bool
}

// Option configures a Sampler at construction time.
type Option func(*config)

type config struct {
	depth              int
	filter             FrameFilter
	stackCapture       StackCaptureFunc
	increasesThreshold uint32
	threshold          uint64
	pruneLimit         int
	pruneThreshold     uint64
	gc                 func()
	gcRates            map[time.Duration]int
	logger             *diag.Logger
}

// WithDepth sets how many stack frames an escalated class captures per
// allocation. Default 16.
func WithDepth(depth int) Option { return func(c *config) { c.depth = depth } }

// WithFilter sets the frame filter applied to a captured stack before it is
// recorded into a class's call tree. Default: keep every frame.
func WithFilter(filter FrameFilter) Option { return func(c *config) { c.filter = filter } }

// WithStackCapture wires the host's stack inspection collaborator. Without
// one, escalation records empty-frame paths (every allocation collapses
// into the tree's root) rather than panicking — a Sampler is still usable
// for its ratcheting-detection behavior alone.
func WithStackCapture(fn StackCaptureFunc) Option { return func(c *config) { c.stackCapture = fn } }

// WithIncreasesThreshold sets how many ratcheting increases a class must
// accumulate before the sampler escalates it to stack-capturing mode.
// Default 10, matching spec §4.7's example.
func WithIncreasesThreshold(n uint32) Option { return func(c *config) { c.increasesThreshold = n } }

// WithThreshold sets the per-sample growth threshold (spec §3's Sample
// "threshold" field, applied uniformly to every watched class). Default
// 1000, matching spec §4.7's example.
func WithThreshold(n uint64) Option { return func(c *config) { c.threshold = n } }

// WithPruneLimit sets the child-count cap passed to Tree.Prune on each
// pruning pass. Default 32.
func WithPruneLimit(n int) Option { return func(c *config) { c.pruneLimit = n } }

// WithPruneThreshold sets the InsertionCount a watched class's tree must
// reach before it is pruned. Default 10000.
func WithPruneThreshold(n uint64) Option { return func(c *config) { c.pruneThreshold = n } }

// WithGC wires an optional full-collection trigger, invoked at the start of
// each Run tick before sampling (spec §4.7's "optionally trigger a full
// collection"). Without one, Run never forces a collection.
func WithGC(gc func()) Option { return func(c *config) { c.gc = gc } }

// WithGCRateLimit bounds how often WithGC's function may actually be
// invoked, using a sliding-window limiter so a misconfigured (too-short)
// Run interval cannot hammer the host collector with forced full
// collections.
func WithGCRateLimit(rates map[time.Duration]int) Option { return func(c *config) { c.gcRates = rates } }

// WithLogger attaches a diagnostic logger.
func WithLogger(l *diag.Logger) Option { return func(c *config) { c.logger = l } }

// Sampler is the C7 control loop. The zero value is not usable; construct
// with New.
type Sampler struct {
	capture CaptureView
	classes map[rtadapter.ClassRef]*watched

	depth              int
	filter             FrameFilter
	stackCapture       StackCaptureFunc
	increasesThreshold uint32
	threshold          uint64
	pruneLimit         int
	pruneThreshold     uint64
	gc                 func()
	gcLimiter          *catrate.Limiter
	logger             *diag.Logger

	running bool
}

// New constructs a Sampler bound to capture.
func New(capture CaptureView, opts ...Option) *Sampler {
	cfg := config{
		depth:              16,
		filter:             func(calltree.Frame) bool { return true },
		increasesThreshold: 10,
		threshold:          1000,
		pruneLimit:         32,
		pruneThreshold:     10000,
		logger:             diag.Disabled(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	s := &Sampler{
		capture:            capture,
		classes:            make(map[rtadapter.ClassRef]*watched),
		depth:              cfg.depth,
		filter:             cfg.filter,
		stackCapture:       cfg.stackCapture,
		increasesThreshold: cfg.increasesThreshold,
		threshold:          cfg.threshold,
		pruneLimit:         cfg.pruneLimit,
		pruneThreshold:     cfg.pruneThreshold,
		gc:                 cfg.gc,
		logger:             cfg.logger,
	}
	if cfg.gcRates != nil {
		s.gcLimiter = catrate.NewLimiter(cfg.gcRates)
	}
	return s
}

// Start marks the sampler running. It is an error to Start an
// already-running sampler.
func (s *Sampler) Start() error {
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	return nil
}

// Stop marks the sampler stopped. It is an error to Stop a sampler that is
// not running.
func (s *Sampler) Stop() error {
	if !s.running {
		return ErrNotRunning
	}
	s.running = false
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (s *Sampler) Running() bool { return s.running }

// Track registers class for sampling, creating its Sample state (and a
// call tree it may later escalate into). Re-tracking an already-watched
// class is a no-op.
func (s *Sampler) Track(class rtadapter.ClassRef) {
	if _, ok := s.classes[class]; ok {
		return
	}
	s.classes[class] = &watched{
		sample: Sample{Target: class, Threshold: s.threshold},
		tree:   calltree.New(),
	}
}

// Untrack removes class from the watched set. Its call tree (if any
// allocations were ever attributed to it) is dropped along with it,
// becoming eligible for collection by the host language like any other
// unreferenced value.
func (s *Sampler) Untrack(class rtadapter.ClassRef) {
	delete(s.classes, class)
}

// Tree returns the call tree the sampler maintains for class, or nil if
// class is not watched.
func (s *Sampler) Tree(class rtadapter.ClassRef) *calltree.Tree {
	w, ok := s.classes[class]
	if !ok {
		return nil
	}
	return w.tree
}

// Sample takes one sampling pass across every watched class, invoking
// visit with each class's updated Sample state and whether this pass
// registered a ratcheting increase. Classes whose increase count crosses
// the configured threshold are escalated to stack-capturing mode during
// this same pass.
func (s *Sampler) Sample(visit func(sample Sample, increased bool)) {
	for class, w := range s.classes {
		rec := s.capture.Get(class)
		var current uint64
		if rec != nil {
			current = rec.RetainedCount()
		}

		w.sample.Current = current
		w.sample.SamplesTaken++

		increased := false
		if current > w.sample.MaxObserved && current-w.sample.MaxObserved > w.sample.Threshold {
			w.sample.MaxObserved = current
			w.sample.Increases++
			increased = true
		}

		if !w.escalated && w.sample.Increases >= s.increasesThreshold {
			s.escalate(class, w)
		}

		if visit != nil {
			visit(w.sample, increased)
		}
	}
}

func (s *Sampler) escalate(class rtadapter.ClassRef, w *watched) {
	w.escalated = true
	s.capture.Track(class, s.stackCaptureCallback(w))
	s.logger.Notice().
		Str("class", fmt.Sprintf("%v", class)).
		Uint64("increases", uint64(w.sample.Increases)).
		Log("sampler: class escalated to stack-capturing mode")
}

func (s *Sampler) stackCaptureCallback(w *watched) alloc.Callback {
	return func(class rtadapter.ClassRef, event alloc.Event, data any) (result any) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Err().
					Str("class", fmt.Sprintf("%v", class)).
					Interface("panic", r).
					Log("sampler: stack-capture callback panicked, event dropped")
				result = nil
			}
		}()

		switch event {
		case alloc.EventNew:
			var frames []calltree.Frame
			if s.stackCapture != nil {
				for _, f := range s.stackCapture(s.depth) {
					if s.filter == nil || s.filter(f) {
						frames = append(frames, f)
					}
				}
			}
			return w.tree.Record(frames)

		case alloc.EventFree:
			if node, ok := data.(*calltree.Node); ok && node != nil {
				node.DecrementPath()
			}
			return nil
		}
		return nil
	}
}

// Prune walks every escalated class's call tree and, for any tree whose
// InsertionCount has reached the configured prune threshold, prunes it down
// to PruneLimit children per node and resets its insertion counter. This is
// called automatically at the end of each Run tick, and may also be called
// directly after a manual Sample pass.
func (s *Sampler) Prune() {
	for _, w := range s.classes {
		if w.tree.InsertionCount() < s.pruneThreshold {
			continue
		}
		w.tree.Prune(s.pruneLimit)
		w.tree.ResetInsertionCount()
	}
}

func (s *Sampler) maybeGC() {
	if s.gc == nil {
		return
	}
	if s.gcLimiter != nil {
		if _, ok := s.gcLimiter.Allow("full-gc"); !ok {
			return
		}
	}
	s.gc()
}

// Run loops until ctx is cancelled: optionally triggers a full collection,
// takes a Sample pass, prunes, then sleeps until the next tick (interval
// minus however long the pass took). Run marks the sampler running for its
// duration and stopped on return.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	if err := s.Start(); err != nil {
		return err
	}
	defer func() { _ = s.Stop() }()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		tickStart := time.Now()
		s.maybeGC()
		s.Sample(nil)
		s.Prune()

		elapsed := time.Since(tickStart)
		next := interval - elapsed
		if next < 0 {
			next = 0
		}
		timer.Reset(next)
	}
}

// Allocations mirrors Analyze's {new, free, retained} summary.
type Allocations struct {
	New      uint64
	Free     uint64
	Retained uint64
}

// AllocationRoots mirrors Analyze's optional allocation-site breakdown.
type AllocationRoots struct {
	TopPaths []calltree.Path
	Hotspots []calltree.Hotspot
}

// Analysis is Analyze's result.
type Analysis struct {
	Allocations       Allocations
	AllocationRoots   *AllocationRoots
	RetainedAddresses []string
}

// Analyze answers the leak-attribution query for class: if its retained
// count is below retainedMinimum, ok is false and Analysis is the zero
// value. Otherwise it reports the class's allocation counters plus,
// optionally, its top allocation paths/hotspots (if withRoots and the
// class is watched by this Sampler; a class that has not been escalated
// has an empty tree) and up to maxAddresses retained object
// addresses (if maxAddresses > 0).
func (s *Sampler) Analyze(class rtadapter.ClassRef, withRoots bool, maxAddresses int, retainedMinimum uint64) (Analysis, bool) {
	rec := s.capture.Get(class)
	if rec == nil || rec.RetainedCount() < retainedMinimum {
		return Analysis{}, false
	}

	out := Analysis{Allocations: Allocations{
		New:      rec.NewCount(),
		Free:     rec.FreeCount(),
		Retained: rec.RetainedCount(),
	}}

	if withRoots {
		if w, ok := s.classes[class]; ok {
			out.AllocationRoots = &AllocationRoots{
				TopPaths: w.tree.TopPaths(-1, calltree.ByRetained),
				Hotspots: w.tree.Hotspots(-1, calltree.ByRetained),
			}
		}
	}

	if maxAddresses > 0 {
		addrs := make([]string, 0, maxAddresses)
		s.capture.EachObject(class, func(object rtadapter.ObjectRef, data any) {
			if len(addrs) >= maxAddresses {
				return
			}
			addrs = append(addrs, s.capture.AddressOf(object))
		})
		out.RetainedAddresses = addrs
	}

	return out, true
}
