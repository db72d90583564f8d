package pipeline

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/leadsync/internal/company"
	"github.com/linnemanlabs/leadsync/internal/dedup"
)

// MaxLimit bounds Params.Limit.
const MaxLimit = 10000

// ErrInvalidParams is wrapped by Run when Params fail validation.
var ErrInvalidParams = xerrors.New("invalid run parameters")

// Phase is a step of the run state machine.
type Phase string

const (
	PhaseFetch   Phase = "fetch"
	PhaseDedup   Phase = "dedup"
	PhasePersist Phase = "persist"
	PhaseIngest  Phase = "ingest"
	PhaseDone    Phase = "done"
	PhaseFailed  Phase = "failed"
)

// Status is the final outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Params are the per-run inputs.
type Params struct {
	Technology string
	Since      *time.Time // nil disables the recency cutoff
	Limit      int
	DryRun     bool
}

// Validate reports the first invalid field wrapped in ErrInvalidParams.
func (p Params) Validate() error {
	if p.Technology == "" {
		return fmt.Errorf("%w: technology is required", ErrInvalidParams)
	}
	if p.Limit < 1 || p.Limit > MaxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d, got %d", ErrInvalidParams, MaxLimit, p.Limit)
	}
	return nil
}

// Result aggregates the counts of one run.
type Result struct {
	RunID      string
	Technology string
	DryRun     bool

	Fetched   int
	New       int
	Persisted int
	Created   int
	Existing  int
	Dedup     dedup.Stats

	// Ledger queries issued through the Postgres pool; zero for other backends.
	DBQueries int
	DBTime    time.Duration
	DBErrors  int

	// Companies are the new companies selected by dedup, in source order.
	Companies []company.Company

	Status Status
	// Phase is PhaseDone on success, otherwise the phase that failed.
	Phase     Phase
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// PartialFailureError means the ledger already holds companies that the
// ingestion target did not fully receive. Those domains will be skipped by
// dedup on the next run, so they must be pushed to the account list by hand.
type PartialFailureError struct {
	Persisted int
	Created   int
	Existing  int
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("ingest failed after %d companies were appended to the ledger (created %d, existing %d): %v",
		e.Persisted, e.Created, e.Existing, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// Hooks are optional callbacks for observing a run (e.g. metrics).
type Hooks struct {
	OnPhase    func(phase Phase, outcome string, duration float64)
	OnComplete func(r *Result)
}
