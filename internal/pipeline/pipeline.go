// Package pipeline runs sync passes: for every user and connected source it
// pulls new items past the stored watermarks, archives every raw item,
// classifies for actionability, filters by the due-date window, and upserts
// the survivors as tasks. Watermarks advance strictly after the archive
// write, so a crashed pass re-fetches instead of losing items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rockswe/justtodothings-sub000/internal/archive"
	"github.com/rockswe/justtodothings-sub000/internal/classify"
	"github.com/rockswe/justtodothings-sub000/internal/connector"
	"github.com/rockswe/justtodothings-sub000/internal/item"
	"github.com/rockswe/justtodothings-sub000/internal/store"
)

// Store is the slice of the relational store the pipeline needs.
type Store interface {
	ListUserIDs(ctx context.Context) ([]int64, error)
	ListAccounts(ctx context.Context, userID int64) ([]store.Credentials, error)
	GetWatermarks(ctx context.Context, userID int64, sourceType string) (map[string]string, error)
	AdvanceWatermarks(ctx context.Context, userID int64, sourceType string, marks map[string]string, creds *store.Credentials) error
	UpsertTask(ctx context.Context, userID int64, u store.TaskUpsert) (string, bool, error)
}

// Classifier decides actionability. All failure modes inside it degrade to
// not-actionable, so the pipeline treats its answers as final.
type Classifier interface {
	Prefilter(ctx context.Context, subject, sender string) bool
	Classify(ctx context.Context, source item.SourceType, snippet string) classify.Result
}

// Indexer mirrors materialized tasks into the search index. Indexing is
// best-effort and never blocks the pass.
type Indexer interface {
	IndexTask(ctx context.Context, task store.Task) error
}

type Pipeline struct {
	Store      Store
	Archive    archive.Archive
	Classifier Classifier
	Indexer    Indexer

	UserWorkers  int
	ScopeWorkers int

	connectors map[item.SourceType]connector.Connector
	now        func() time.Time
}

func New(st Store, arch archive.Archive, cl Classifier, userWorkers, scopeWorkers int) *Pipeline {
	if userWorkers <= 0 {
		userWorkers = 4
	}
	if scopeWorkers <= 0 {
		scopeWorkers = 4
	}
	return &Pipeline{
		Store:        st,
		Archive:      arch,
		Classifier:   cl,
		UserWorkers:  userWorkers,
		ScopeWorkers: scopeWorkers,
		connectors:   map[item.SourceType]connector.Connector{},
		now:          time.Now,
	}
}

// SetNow overrides the clock (tests).
func (p *Pipeline) SetNow(now func() time.Time) { p.now = now }

func (p *Pipeline) Register(c connector.Connector) {
	p.connectors[c.Source()] = c
}

// RunReport summarizes one pass across all users.
type RunReport struct {
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Users        int              `json:"users"`
	Accounts     int              `json:"accounts"`
	TasksCreated int              `json:"tasks_created"`
	TasksUpdated int              `json:"tasks_updated"`
	Report       connector.Report `json:"report"`
	AuthFailures []string         `json:"auth_failures,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
}

func (r RunReport) String() string {
	return fmt.Sprintf("users=%d accounts=%d created=%d updated=%d %s errors=%d",
		r.Users, r.Accounts, r.TasksCreated, r.TasksUpdated, r.Report.String(), len(r.Errors))
}

// Run executes one full pass. The error is non-nil only when the user list
// itself could not be iterated; per-user and per-source failures land in the
// report instead.
func (p *Pipeline) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{StartedAt: p.now().UTC()}

	userIDs, err := p.Store.ListUserIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list users: %w", err)
	}
	report.Users = len(userIDs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.UserWorkers)
	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			userReport := p.runUser(gctx, userID)
			mu.Lock()
			defer mu.Unlock()
			report.Accounts += userReport.Accounts
			report.TasksCreated += userReport.TasksCreated
			report.TasksUpdated += userReport.TasksUpdated
			report.Report.Merge(userReport.Report)
			report.AuthFailures = append(report.AuthFailures, userReport.AuthFailures...)
			report.Errors = append(report.Errors, userReport.Errors...)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = p.now().UTC()
	return report, nil
}

func (p *Pipeline) runUser(ctx context.Context, userID int64) RunReport {
	var report RunReport

	accounts, err := p.Store.ListAccounts(ctx, userID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("user %d: list accounts: %v", userID, err))
		return report
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.ScopeWorkers)
	for _, creds := range accounts {
		conn, ok := p.connectors[item.SourceType(creds.SourceType)]
		if !ok {
			continue
		}
		creds := creds
		g.Go(func() error {
			accReport := p.syncAccount(gctx, conn, creds)
			mu.Lock()
			defer mu.Unlock()
			report.Accounts++
			report.TasksCreated += accReport.TasksCreated
			report.TasksUpdated += accReport.TasksUpdated
			report.Report.Merge(accReport.Report)
			report.AuthFailures = append(report.AuthFailures, accReport.AuthFailures...)
			report.Errors = append(report.Errors, accReport.Errors...)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (p *Pipeline) syncAccount(ctx context.Context, conn connector.Connector, creds store.Credentials) RunReport {
	var report RunReport
	userID := creds.UserID
	source := string(conn.Source())

	marks, err := p.Store.GetWatermarks(ctx, userID, source)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("user %d %s: load watermarks: %v", userID, source, err))
		return report
	}

	result, err := conn.Sync(ctx, creds, marks)
	if err != nil {
		if errors.Is(err, connector.ErrAuth) {
			// Credentials are dead or were force-invalidated mid-walk. Persist
			// whatever the connector wants written back and skip the pass; no
			// watermark moves.
			report.AuthFailures = append(report.AuthFailures, fmt.Sprintf("user %d %s", userID, source))
			if result.RefreshedCreds != nil {
				if saveErr := p.Store.AdvanceWatermarks(ctx, userID, source, nil, result.RefreshedCreds); saveErr != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("user %d %s: save refreshed creds: %v", userID, source, saveErr))
				}
			}
			return report
		}
		report.Errors = append(report.Errors, fmt.Sprintf("user %d %s: sync: %v", userID, source, err))
		return report
	}
	report.Report.Merge(result.Report)

	// Archive first. A scope whose raw item failed to land keeps its old
	// watermark so the next pass re-fetches it.
	failedScopes := map[string]bool{}
	var archived []item.Envelope
	for _, env := range result.Items {
		if err := p.Archive.PutEnvelope(ctx, userID, env); err != nil {
			log.Printf("pipeline: user %d %s: archive %s: %v", userID, source, env.ExternalID, err)
			report.Report.Fail(env.ParentContext, env.ExternalID, fmt.Errorf("archive: %w", err))
			failedScopes[watermarkScope(env)] = true
			continue
		}
		archived = append(archived, env)
	}

	for _, env := range archived {
		created, updated := p.materialize(ctx, userID, env, &report)
		report.TasksCreated += created
		report.TasksUpdated += updated
	}

	// Connector-side state (course snapshots) commits only now, with the
	// failed scopes held back the same way their cursors are. A failed
	// commit write only means re-emission next pass, which the upsert
	// absorbs, so it does not block the advance.
	if result.Commit != nil {
		if err := result.Commit(ctx, failedScopes); err != nil {
			log.Printf("pipeline: user %d %s: commit sync state: %v", userID, source, err)
		}
	}

	advance := map[string]string{}
	for scope, cursor := range result.Watermarks {
		if failedScopes[scope] {
			continue
		}
		advance[scope] = cursor
	}
	if len(advance) > 0 || result.RefreshedCreds != nil {
		if err := p.Store.AdvanceWatermarks(ctx, userID, source, advance, result.RefreshedCreds); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("user %d %s: advance watermarks: %v", userID, source, err))
		}
	}
	return report
}

// materialize runs one archived envelope through classification, the window
// filter, and the task upsert. Returns (created, updated) counts of 0 or 1.
func (p *Pipeline) materialize(ctx context.Context, userID int64, env item.Envelope, report *RunReport) (int, int) {
	if env.Source == item.SourceGmail && env.Mail != nil {
		if !p.Classifier.Prefilter(ctx, env.Mail.Subject, env.Mail.From) {
			report.Report.Skip(watermarkScope(env), env.ExternalID, "prefiltered")
			return 0, 0
		}
	}

	verdict := p.Classifier.Classify(ctx, env.Source, env.Snippet())
	if !verdict.IsActionable {
		report.Report.Skip(watermarkScope(env), env.ExternalID, "not actionable")
		return 0, 0
	}
	if verdict.DueDate == nil || !InWindow(p.now(), *verdict.DueDate) {
		report.Report.Skip(watermarkScope(env), env.ExternalID, "outside due window")
		return 0, 0
	}

	sourceID := item.CanonicalID(env)
	metadata := map[string]string{
		"source":      string(env.Source),
		"external_id": env.ExternalID,
		"action_type": verdict.ActionType,
	}
	if author := env.Author(); author != "" {
		metadata["sender"] = author
	}
	upsert := store.TaskUpsert{
		SourceID:    sourceID,
		Title:       verdict.ItemName,
		Description: verdict.Summary,
		Priority:    store.NormalizePriority(verdict.Priority),
		DueDate:     verdict.DueDate,
		Metadata:    metadata,
	}
	taskID, inserted, err := p.Store.UpsertTask(ctx, userID, upsert)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("user %d: upsert %s: %v", userID, sourceID, err))
		return 0, 0
	}

	if p.Indexer != nil {
		task := store.Task{
			ID:          taskID,
			UserID:      userID,
			Title:       upsert.Title,
			Description: upsert.Description,
			Priority:    upsert.Priority,
			DueDate:     upsert.DueDate,
			SourceID:    sourceID,
		}
		if err := p.Indexer.IndexTask(ctx, task); err != nil {
			log.Printf("pipeline: user %d: index %s: %v", userID, taskID, err)
		}
	}

	if inserted {
		return 1, 0
	}
	return 0, 1
}

// watermarkScope maps an envelope back to the scope key its connector uses
// for cursors.
func watermarkScope(env item.Envelope) string {
	switch env.Source {
	case item.SourceSlack, item.SourceGitHub, item.SourceCanvas:
		return env.ParentContext
	default:
		return ""
	}
}
