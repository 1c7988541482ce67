package memory

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/memcap/pkg/errors"
)

// UsageType names one accounting dimension of a tracker.
type UsageType int

const (
	// UserMemory is memory requested by operators for their data
	UserMemory UsageType = iota
	// SystemMemory is memory held by the engine on behalf of a scope (e.g. spill buffers)
	SystemMemory
	// TotalMemory is the sum of user and system memory; it can only be capped, not reserved
	TotalMemory
)

// String returns the label used in metrics and error details
func (t UsageType) String() string {
	switch t {
	case UserMemory:
		return "user"
	case SystemMemory:
		return "system"
	case TotalMemory:
		return "total"
	default:
		return "unknown"
	}
}

// Limits holds the three independently settable ceilings of a tracker.
// A value <= 0 leaves that dimension unbounded.
type Limits struct {
	MaxUser   int64 `yaml:"max_user_bytes" json:"max_user_bytes"`
	MaxSystem int64 `yaml:"max_system_bytes" json:"max_system_bytes"`
	MaxTotal  int64 `yaml:"max_total_bytes" json:"max_total_bytes"`
}

// UniformLimits sets all three ceilings to maxBytes.
func UniformLimits(maxBytes int64) Limits {
	return Limits{MaxUser: maxBytes, MaxSystem: maxBytes, MaxTotal: maxBytes}
}

// Get returns the ceiling for t, or 0 when unbounded
func (l Limits) Get(t UsageType) int64 {
	var v int64
	switch t {
	case UserMemory:
		v = l.MaxUser
	case SystemMemory:
		v = l.MaxSystem
	case TotalMemory:
		v = l.MaxTotal
	}
	if v < 0 {
		return 0
	}
	return v
}

// IsBounded reports whether any ceiling is set
func (l Limits) IsBounded() bool {
	return l.MaxUser > 0 || l.MaxSystem > 0 || l.MaxTotal > 0
}

// UsageTracker is one node of the accounting tree. It counts the bytes
// reserved through itself and all of its descendants, remembers the peak,
// and optionally enforces ceilings.
//
// Reservations are all-or-nothing across the path to the root: the nodes
// that carry a ceiling are locked root first, every ceiling is checked, and
// only then is each node on the path incremented. Two reservations that
// share a capped ancestor are therefore serialized on it and cannot both
// commit past its ceiling. Releases never violate a ceiling and use plain
// atomic decrements.
type UsageTracker struct {
	parent *UsageTracker
	limits Limits
	capped bool
	path   string

	// mu serializes check-then-commit on capped nodes
	mu sync.Mutex

	user   atomic.Int64
	system atomic.Int64

	peakUser   atomic.Int64
	peakSystem atomic.Int64
	peakTotal  atomic.Int64

	children atomic.Int32
}

// NewUsageTracker creates a root tracker with the given ceilings.
func NewUsageTracker(limits Limits) *UsageTracker {
	return &UsageTracker{
		limits: limits,
		capped: limits.IsBounded(),
	}
}

// NewChild attaches a new node below t. The child is bounded by every
// ancestor ceiling in addition to its own limits.
func (t *UsageTracker) NewChild(name string, limits Limits) *UsageTracker {
	t.children.Add(1)
	return &UsageTracker{
		parent: t,
		limits: limits,
		capped: limits.IsBounded(),
		path:   joinPath(t.path, name),
	}
}

// Parent returns the parent node, nil for a root
func (t *UsageTracker) Parent() *UsageTracker {
	return t.parent
}

// Limits returns the ceilings configured on this node
func (t *UsageTracker) Limits() Limits {
	return t.limits
}

// Path returns the scope path of the node
func (t *UsageTracker) Path() string {
	return t.path
}

// Children returns the number of live child nodes
func (t *UsageTracker) Children() int {
	return int(t.children.Load())
}

// CurrentBytes returns the total bytes reserved through this node.
func (t *UsageTracker) CurrentBytes() int64 {
	return t.user.Load() + t.system.Load()
}

// CurrentBytesFor returns the bytes currently reserved in one dimension.
func (t *UsageTracker) CurrentBytesFor(kind UsageType) int64 {
	switch kind {
	case UserMemory:
		return t.user.Load()
	case SystemMemory:
		return t.system.Load()
	default:
		return t.CurrentBytes()
	}
}

// PeakBytes returns the highest total ever reserved through this node.
func (t *UsageTracker) PeakBytes() int64 {
	return t.PeakBytesFor(TotalMemory)
}

// PeakBytesFor returns the peak of one dimension. The result is never below
// the matching current value at the time of the call.
func (t *UsageTracker) PeakBytesFor(kind UsageType) int64 {
	cur := t.CurrentBytesFor(kind)
	peak := t.peakCounter(kind)
	raisePeak(peak, cur)
	return peak.Load()
}

// Reserve reserves user memory on this node and every ancestor.
func (t *UsageTracker) Reserve(bytes int64) error {
	return t.ReserveFor(UserMemory, bytes)
}

// ReserveFor reserves bytes of the given dimension on this node and every
// ancestor. It returns a *CapExceededError naming the first violated
// ceiling, walking from t towards the root, and leaves every counter
// untouched in that case.
func (t *UsageTracker) ReserveFor(kind UsageType, bytes int64) error {
	if kind != UserMemory && kind != SystemMemory {
		return errors.Newf(errors.ErrorTypeValidation, "cannot reserve %s memory directly", kind)
	}
	if bytes < 0 {
		return invalidBytes("reservation", bytes)
	}
	if bytes == 0 {
		return nil
	}

	var buf [8]*UsageTracker
	capped := buf[:0]
	for n := t; n != nil; n = n.parent {
		if n.capped {
			capped = append(capped, n)
		}
	}

	for i := len(capped) - 1; i >= 0; i-- {
		capped[i].mu.Lock()
	}
	defer func() {
		for _, n := range capped {
			n.mu.Unlock()
		}
	}()

	for _, n := range capped {
		if err := n.check(kind, bytes); err != nil {
			return err
		}
	}
	if root := t.root(); bytes > math.MaxInt64-root.CurrentBytes() {
		return overflowBytes(t.path, bytes, root.CurrentBytes())
	}

	for n := t; n != nil; n = n.parent {
		n.add(kind, bytes)
	}
	return nil
}

// Release returns user memory on this node and every ancestor.
func (t *UsageTracker) Release(bytes int64) error {
	return t.ReleaseFor(UserMemory, bytes)
}

// ReleaseFor returns bytes of the given dimension. Releasing more than the
// node currently holds is a programming error: nothing is changed and a
// release_underflow error is returned.
func (t *UsageTracker) ReleaseFor(kind UsageType, bytes int64) error {
	if kind != UserMemory && kind != SystemMemory {
		return errors.Newf(errors.ErrorTypeValidation, "cannot release %s memory directly", kind)
	}
	if bytes < 0 {
		return invalidBytes("release", bytes)
	}
	if bytes == 0 {
		return nil
	}

	c := t.counter(kind)
	for {
		cur := c.Load()
		if cur < bytes {
			return newUnderflow(t.path, bytes, cur)
		}
		if c.CompareAndSwap(cur, cur-bytes) {
			break
		}
	}

	for n := t.parent; n != nil; n = n.parent {
		n.counter(kind).Add(-bytes)
	}
	return nil
}

// root returns the topmost ancestor, whose counters bound every descendant's
func (t *UsageTracker) root() *UsageTracker {
	n := t
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// idle reports whether the node holds no bytes and has no children
func (t *UsageTracker) idle() bool {
	return t.CurrentBytes() == 0 && t.Children() == 0
}

// detach unlinks a closed child from its parent's child count
func (t *UsageTracker) detach() {
	if t.parent != nil {
		t.parent.children.Add(-1)
	}
}

// check must be called with t.mu held.
func (t *UsageTracker) check(kind UsageType, bytes int64) *CapExceededError {
	if max := t.limits.Get(kind); max > 0 {
		if cur := t.counter(kind).Load(); bytes > max-cur {
			return newCapExceeded(t, kind, max, bytes)
		}
	}
	if max := t.limits.Get(TotalMemory); max > 0 {
		if cur := t.CurrentBytes(); bytes > max-cur {
			return newCapExceeded(t, TotalMemory, max, bytes)
		}
	}
	return nil
}

func (t *UsageTracker) add(kind UsageType, bytes int64) {
	v := t.counter(kind).Add(bytes)
	raisePeak(t.peakCounter(kind), v)
	raisePeak(&t.peakTotal, t.CurrentBytes())
}

func (t *UsageTracker) counter(kind UsageType) *atomic.Int64 {
	if kind == SystemMemory {
		return &t.system
	}
	return &t.user
}

func (t *UsageTracker) peakCounter(kind UsageType) *atomic.Int64 {
	switch kind {
	case SystemMemory:
		return &t.peakSystem
	case TotalMemory:
		return &t.peakTotal
	default:
		return &t.peakUser
	}
}

// raisePeak stores v into peak if it is larger, without ever lowering it.
func raisePeak(peak *atomic.Int64, v int64) {
	for {
		p := peak.Load()
		if v <= p || peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
