package kvstore

import (
	"fmt"
	"time"
)

// generationKind distinguishes the handful of sentinel states a Generation
// can occupy, alongside the common case of a concrete driver-assigned token.
type generationKind uint8

const (
	// generationUnknown is the zero value: the generation has never been
	// observed (e.g. a freshly constructed RMW entry before its first read).
	generationUnknown generationKind = iota
	// generationSpecified carries a concrete, driver-assigned token.
	generationSpecified
	// generationNoValue marks a key confirmed absent at the driver.
	generationNoValue
	// generationUnconditional marks a writeback whose result does not
	// depend on the prior state; downstream entries may skip revalidation.
	generationUnconditional
)

// Generation is an opaque, comparable token identifying a committed value
// version. Zero value is the "unknown" generation.
type Generation struct {
	kind  generationKind
	token string
}

// UnknownGeneration has never been validated against the driver.
var UnknownGeneration = Generation{kind: generationUnknown}

// NoValueGeneration marks a key the driver has confirmed does not exist.
var NoValueGeneration = Generation{kind: generationNoValue}

// UnconditionalGeneration marks a writeback result that does not depend on
// the generation it was read at; later reads need not revalidate.
var UnconditionalGeneration = Generation{kind: generationUnconditional}

// NewGeneration wraps a concrete driver-assigned version token.
func NewGeneration(token string) Generation {
	return Generation{kind: generationSpecified, token: token}
}

// IsUnknown reports whether g has never been validated.
func (g Generation) IsUnknown() bool { return g.kind == generationUnknown }

// IsNoValue reports whether g marks a confirmed-absent key.
func (g Generation) IsNoValue() bool { return g.kind == generationNoValue }

// IsUnconditional reports whether g marks an unconditional writeback.
func (g Generation) IsUnconditional() bool { return g.kind == generationUnconditional }

// Equal reports whether two generations denote the same driver-observed
// state. Two unknown generations are never considered equal to anything,
// including each other — "unknown" means "no basis for comparison".
func (g Generation) Equal(other Generation) bool {
	if g.kind == generationUnknown || other.kind == generationUnknown {
		return false
	}
	return g.kind == other.kind && g.token == other.token
}

func (g Generation) String() string {
	switch g.kind {
	case generationUnknown:
		return "generation(unknown)"
	case generationNoValue:
		return "generation(no-value)"
	case generationUnconditional:
		return "generation(unconditional)"
	default:
		return fmt.Sprintf("generation(%s)", g.token)
	}
}

// distantPast marks a TimestampedGeneration that has never been validated
// against the driver, standing in for the spec's "-infinity" time value.
var distantPast time.Time

// TimestampedGeneration pairs a Generation with the wall-clock time it was
// known to hold, so staleness bounds can be evaluated against it. A zero
// Time means "never validated" (the spec's -infinity).
type TimestampedGeneration struct {
	Generation Generation
	Time       time.Time
}

// UnknownTimestampedGeneration is never-validated, at -infinity.
var UnknownTimestampedGeneration = TimestampedGeneration{Generation: UnknownGeneration, Time: distantPast}

// NeverValidated reports whether t carries the -infinity sentinel time.
func (t TimestampedGeneration) NeverValidated() bool { return t.Time.IsZero() }

// ReadResultState classifies the outcome of a read or writeback.
type ReadResultState uint8

const (
	// ReadUnspecified means "no change from whatever the input was" — used
	// by writeback results that decline to alter the existing value.
	ReadUnspecified ReadResultState = iota
	// ReadMissing means the key does not exist.
	ReadMissing
	// ReadValue means Value holds the current/new bytes.
	ReadValue
)

func (s ReadResultState) String() string {
	switch s {
	case ReadMissing:
		return "missing"
	case ReadValue:
		return "value"
	default:
		return "unspecified"
	}
}

// ReadResult is the outcome of a read or writeback call: either no change,
// a confirmed absence, or a concrete value, stamped with the generation
// that dated it.
type ReadResult struct {
	State ReadResultState
	Value []byte
	Stamp TimestampedGeneration
}

// Missing builds a ReadResult reporting a confirmed-absent key.
func Missing(stamp TimestampedGeneration) ReadResult {
	return ReadResult{State: ReadMissing, Stamp: stamp}
}

// Value builds a ReadResult carrying a concrete value.
func Value(value []byte, stamp TimestampedGeneration) ReadResult {
	return ReadResult{State: ReadValue, Value: value, Stamp: stamp}
}

// Unspecified builds a ReadResult that declines to change anything.
func Unspecified(stamp TimestampedGeneration) ReadResult {
	return ReadResult{State: ReadUnspecified, Stamp: stamp}
}

// ByteRange addresses a sub-range of a value's bytes. End of -1 means
// "to the end of the value".
type ByteRange struct {
	Start int64
	End   int64
}

// GenerationConditions gates a read or write on the key's current
// generation.
type GenerationConditions struct {
	// IfEqual, when non-nil, requires the driver's current generation to
	// equal this value (NoValueGeneration to mean "key must not exist").
	IfEqual *Generation
	// IfNotEqual, when non-nil, requires the driver's current generation to
	// differ from this value. Only meaningful on reads.
	IfNotEqual *Generation
}

// ReadOptions configures a driver Read call.
type ReadOptions struct {
	GenerationConditions GenerationConditions
	// StalenessBound is the oldest acceptable cached value time; the zero
	// value means "no bound" (any cached value is acceptable), and a bound
	// of time.Now() asks for a value at least as fresh as the call.
	StalenessBound time.Time
	ByteRange      *ByteRange
	// Batch hints to the driver that this read may be coalesced with
	// others issued around the same time.
	Batch bool
}

// WriteOptions configures a driver Write call.
type WriteOptions struct {
	GenerationConditions GenerationConditions
}

// KeyRange is a half-open byte-string range [Inclusive, Exclusive).
type KeyRange struct {
	Inclusive string
	Exclusive string
}

// Contains reports whether key falls in [r.Inclusive, r.Exclusive).
func (r KeyRange) Contains(key string) bool {
	if key < r.Inclusive {
		return false
	}
	return r.Exclusive == "" || key < r.Exclusive
}

// ListOptions configures a transactional list operation.
type ListOptions struct {
	KeyRange            KeyRange
	StripPrefixLength   int
	StalenessBound      time.Time
	RepeatableRead      bool
}
