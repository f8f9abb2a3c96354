package atlas

import "time"

// ReplicaPolicy chooses which copy of a partition a read targets.
type ReplicaPolicy int

const (
	// ReplicaMaster always targets the partition master. Writes ignore the
	// policy and use the master regardless.
	ReplicaMaster ReplicaPolicy = iota

	// ReplicaMasterPreferRack targets a replica on the client's configured
	// rack when one exists, falling back to the master.
	ReplicaMasterPreferRack

	// ReplicaRandom picks uniformly among healthy candidates.
	ReplicaRandom

	// ReplicaSequence walks candidates in preference order, advancing past
	// any node a previous attempt already failed on.
	ReplicaSequence
)

// ReplicaOrderFn customizes candidate ordering for ReplicaRandom and
// ReplicaSequence. The slice is the current snapshot's candidate list,
// master first; implementations return the preferred probe order. Exact
// tie-break order is server-version dependent, so it is policy rather than
// hard-coded behavior.
type ReplicaOrderFn func(candidates []*Node) []*Node

// BasePolicy bounds a single command: its total and per-attempt deadlines,
// retry budget, and replica preference. Policies are immutable once handed
// to the client; reuse them freely across goroutines.
type BasePolicy struct {
	// TotalTimeout bounds the command including all retries. Zero means no
	// overall deadline (the context still applies).
	TotalTimeout time.Duration

	// SocketTimeout bounds one network send/receive. Exceeding it is
	// retryable; exceeding TotalTimeout is terminal.
	SocketTimeout time.Duration

	// MaxRetries caps attempts after the first. Retries beyond the cap
	// surface the last observed error.
	MaxRetries int

	// SleepBetweenRetries is the pause before each retry. Zero retries
	// immediately.
	SleepBetweenRetries time.Duration

	// SleepMultiplier linearly stretches the pause on every retry when
	// > 1.0.
	SleepMultiplier float64

	// Replica selects which copy of the partition to read from.
	Replica ReplicaPolicy

	// ReplicaOrder overrides candidate ordering for Random/Sequence.
	ReplicaOrder ReplicaOrderFn

	// SendKey ships the user key alongside the digest so the server can
	// store it with the record.
	SendKey bool
}

// NewPolicy returns a read policy with the stock deadlines.
func NewPolicy() *BasePolicy {
	return &BasePolicy{
		TotalTimeout:        time.Second,
		SocketTimeout:       500 * time.Millisecond,
		MaxRetries:          2,
		SleepBetweenRetries: time.Millisecond,
		SleepMultiplier:     1.0,
		Replica:             ReplicaSequence,
	}
}

// GenerationPolicy qualifies a write with the record's generation counter.
type GenerationPolicy int

const (
	// GenerationIgnore writes regardless of generation.
	GenerationIgnore GenerationPolicy = iota
	// GenerationEqual writes only when the server generation matches.
	GenerationEqual
	// GenerationGreater writes only when the given generation is newer.
	GenerationGreater
)

// RecordExistsAction picks create/update semantics for writes.
type RecordExistsAction int

const (
	// Update creates or updates the record.
	Update RecordExistsAction = iota
	// UpdateOnly fails with KeyNotFound when the record is missing.
	UpdateOnly
	// Replace creates or fully replaces the record.
	Replace
	// ReplaceOnly fails with KeyNotFound when the record is missing.
	ReplaceOnly
	// CreateOnly fails with KeyExists when the record is present.
	CreateOnly
)

// WritePolicy extends BasePolicy for mutating commands.
type WritePolicy struct {
	BasePolicy

	RecordExistsAction RecordExistsAction
	GenerationPolicy   GenerationPolicy

	// Generation is the expected record generation when GenerationPolicy
	// is not GenerationIgnore.
	Generation uint32

	// Expiration is the record TTL in seconds. Zero keeps the namespace
	// default.
	Expiration uint32

	// DurableDelete leaves a tombstone instead of reclaiming immediately.
	DurableDelete bool
}

// NewWritePolicy returns a write policy with the stock deadlines. Writes
// default to zero retries: an ambiguous redo is worse than a surfaced
// failure.
func NewWritePolicy() *WritePolicy {
	return &WritePolicy{
		BasePolicy: BasePolicy{
			TotalTimeout:        time.Second,
			SocketTimeout:       500 * time.Millisecond,
			MaxRetries:          0,
			SleepBetweenRetries: time.Millisecond,
			SleepMultiplier:     1.0,
			Replica:             ReplicaMaster,
		},
	}
}

// idempotent reports whether retrying this write can never double-apply.
// Generation-qualified writes are safe: a second apply fails the generation
// check.
func (p *WritePolicy) idempotent() bool {
	return p.GenerationPolicy == GenerationEqual
}

// deadline returns the absolute total deadline, or zero when unbounded.
func (p *BasePolicy) deadline(now time.Time) time.Time {
	if p.TotalTimeout <= 0 {
		return time.Time{}
	}
	return now.Add(p.TotalTimeout)
}
