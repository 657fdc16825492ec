// Package connector defines the contract the four source connectors share
// and the batch report that makes partial failure a first-class return value
// instead of something only visible in logs.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rockswe/justtodothings-sub000/internal/item"
	"github.com/rockswe/justtodothings-sub000/internal/store"
)

// ErrAuth marks a connector pass the upstream rejected as unauthenticated.
// The mail connector's oauth2 transport refreshes transparently, so it
// returns this only once the refresh also failed; the static-token
// connectors have nothing to refresh and return it on the first 401. The
// pipeline skips that (user, source) for the pass and surfaces it in the
// run report.
var ErrAuth = errors.New("upstream authentication failed")

// Result is what one connector pass produced. Watermarks maps scope key to
// the proposed new cursor ("" scope for whole-account cursors); the pipeline
// advances them only after every item has landed in the archive.
// RefreshedCreds is non-nil whenever credentials must be written back -
// either because rotation was observed or because a mid-call 401 makes the
// current token state suspect.
//
// Commit, when non-nil, persists connector-side sync state that must only
// move once the emitted items are durably archived (the course snapshots).
// The pipeline calls it exactly once per pass, after archiving and before
// the watermark advance, passing the scopes whose archive writes failed so
// their state is held back alongside their cursor.
type Result struct {
	Items          []item.Envelope
	Watermarks     map[string]string
	RefreshedCreds *store.Credentials
	Report         Report
	Commit         func(ctx context.Context, failedScopes map[string]bool) error
}

// Report counts per-item outcomes for one (user, source) pass.
type Report struct {
	Processed int
	Skipped   int
	Failed    int
	Failures  []Failure
}

type Failure struct {
	Scope  string `json:"scope,omitempty"`
	ItemID string `json:"item_id,omitempty"`
	Reason string `json:"reason"`
}

func (r *Report) Process(n int) { r.Processed += n }

func (r *Report) Skip(scope, itemID, reason string) {
	r.Skipped++
	r.Failures = append(r.Failures, Failure{Scope: scope, ItemID: itemID, Reason: reason})
}

func (r *Report) Fail(scope, itemID string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{Scope: scope, ItemID: itemID, Reason: err.Error()})
}

// Merge folds another report into this one.
func (r *Report) Merge(other Report) {
	r.Processed += other.Processed
	r.Skipped += other.Skipped
	r.Failed += other.Failed
	r.Failures = append(r.Failures, other.Failures...)
}

func (r Report) String() string {
	return fmt.Sprintf("processed=%d skipped=%d failed=%d", r.Processed, r.Skipped, r.Failed)
}

// Connector is the common sync contract. marks holds the durable cursors for
// this (user, source) keyed by scope; implementations must never mutate it.
type Connector interface {
	Source() item.SourceType
	Sync(ctx context.Context, creds store.Credentials, marks map[string]string) (Result, error)
}
