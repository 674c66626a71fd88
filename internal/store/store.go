// Package store is the durable Score Repository: one SQLite transaction per
// write, serialized per case.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/db"
	"github.com/hpungsan/casegate/internal/errors"
)

// Repository stores score records, messages and timelines.
type Repository struct {
	db    *sql.DB
	locks *keyedMutex
	now   func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the wall clock used for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// New wraps an initialized database.
func New(database *sql.DB, opts ...Option) *Repository {
	r := &Repository{db: database, locks: newKeyedMutex(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DB exposes the underlying handle for pool tuning and shutdown.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Get returns the record for caseID or NOT_FOUND.
func (r *Repository) Get(ctx context.Context, caseID string) (*cases.ScoreRecord, error) {
	id, err := normalize(caseID)
	if err != nil {
		return nil, err
	}
	return db.GetCase(ctx, r.db, id)
}

// Messages returns the stored messages of a case with sequence above after.
func (r *Repository) Messages(ctx context.Context, caseID string, after int) ([]cases.Message, error) {
	id, err := normalize(caseID)
	if err != nil {
		return nil, err
	}
	return db.GetMessages(ctx, r.db, id, after)
}

// Timeline returns the ordered timeline of a case. A case without a timeline
// yields an empty slice; an unknown case yields NOT_FOUND.
func (r *Repository) Timeline(ctx context.Context, caseID string) ([]cases.TimelineEntry, error) {
	id, err := normalize(caseID)
	if err != nil {
		return nil, err
	}
	if _, err := db.GetCase(ctx, r.db, id); err != nil {
		return nil, err
	}
	entries, err := db.GetTimeline(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []cases.TimelineEntry{}
	}
	return entries, nil
}

// ListEligible returns open cases due for gate evaluation.
func (r *Repository) ListEligible(ctx context.Context, gate int) ([]*cases.ScoreRecord, error) {
	return db.ListEligible(ctx, r.db, gate)
}

// List returns records matching f plus the unpaginated total.
func (r *Repository) List(ctx context.Context, f db.ListFilter) ([]*cases.ScoreRecord, int, error) {
	return db.ListCases(ctx, r.db, f)
}

// Stats returns record counts per state.
func (r *Repository) Stats(ctx context.Context) (map[cases.State]int, error) {
	return db.CountByState(ctx, r.db)
}

// Close flips a case to CLOSED. Closing a closed case returns it unchanged.
func (r *Repository) Close(ctx context.Context, caseID string) (*cases.ScoreRecord, error) {
	id, err := normalize(caseID)
	if err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := db.GetCase(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if rec.Closed() {
		return rec, nil
	}

	rec.Case.Status = cases.StatusClosed
	rec.State = rec.DeriveState()
	rec.UpdatedAt = r.now().Unix()
	if err := db.UpdateCase(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return rec, nil
}

// Upsert atomically merges d into the record for caseID.
//
// A delta with no new messages and no new verdicts changes nothing and
// returns the stored record as is. Closed cases reject every delta, and a
// delta built against a stale watermark is a WATERMARK_CONFLICT.
func (r *Repository) Upsert(ctx context.Context, caseID string, d cases.Delta) (*cases.ScoreRecord, error) {
	id, err := normalize(caseID)
	if err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := r.now().Unix()
	cur, err := db.GetCase(ctx, tx, id)
	exists := err == nil
	switch {
	case errors.Is(err, errors.ErrNotFound):
		if d.Case == nil {
			return nil, err
		}
		cur = newRecord(id, *d.Case, now)
	case err != nil:
		return nil, err
	}

	if cur.Closed() {
		return nil, errors.NewCaseClosed(id)
	}
	if d.BaseWatermark != cur.Watermark {
		return nil, errors.NewWatermarkConflict(id, cur.Watermark, d.BaseWatermark)
	}
	if err := checkMessages(id, cur.Watermark, d.Messages); err != nil {
		return nil, err
	}

	next, entries, changed, err := merge(id, cur, d, now)
	if err != nil {
		return nil, err
	}
	if exists && !changed {
		return cur, nil
	}
	next.UpdatedAt = now

	if exists {
		err = db.UpdateCase(ctx, tx, next)
	} else {
		err = db.InsertCase(ctx, tx, next)
	}
	if err != nil {
		return nil, err
	}
	if err := db.InsertMessages(ctx, tx, id, d.Messages); err != nil {
		return nil, err
	}
	if err := db.InsertTimelineEntries(ctx, tx, id, entries); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return next, nil
}

// merge applies d to a copy of cur. It returns the new record, the timeline
// entries to append and whether anything changed.
func merge(id string, cur *cases.ScoreRecord, d cases.Delta, now int64) (*cases.ScoreRecord, []cases.TimelineEntry, bool, error) {
	next := *cur
	watermark := d.Watermark()
	changed := false

	if len(d.Messages) > 0 {
		if d.Scores == nil {
			return nil, nil, false, errors.NewInvalidRequest("scores are required with new messages")
		}
		if d.Case != nil {
			next.Case = next.Case.Merge(*d.Case)
		}
		next.Watermark = watermark
		next.Gate1 = cases.GateNotEvaluated
		next.Gate2 = cases.GateNotEvaluated
		next.Gate3 = cases.GateNotEvaluated
		changed = true
	}
	if d.Scores != nil {
		applyScores(&next, *d.Scores)
	}

	if d.Gate1 != nil && (changed || *d.Gate1 != cur.Gate1) {
		next.Gate1 = *d.Gate1
		changed = true
	}

	if q := d.Quick; q != nil {
		if q.EvaluatedAt != watermark {
			return nil, nil, false, errors.NewWatermarkConflict(id, watermark, q.EvaluatedAt)
		}
		if len(d.Messages) > 0 || cur.Gate2At != q.EvaluatedAt {
			if next.Gate1 != cases.GatePassed {
				return nil, nil, false, errors.NewInvalidRequest("quick verdict requires gate 1 PASSED")
			}
			result := q.Result
			next.Quick = &result
			next.Gate2 = q.Status
			next.Gate2At = q.EvaluatedAt
			changed = true
		}
	}

	var entries []cases.TimelineEntry
	if tl := d.Timeline; tl != nil {
		if tl.EvaluatedAt != watermark {
			return nil, nil, false, errors.NewWatermarkConflict(id, watermark, tl.EvaluatedAt)
		}
		if len(d.Messages) > 0 || cur.Gate3At != tl.EvaluatedAt {
			if next.Gate2 != cases.GatePassed {
				return nil, nil, false, errors.NewInvalidRequest("timeline verdict requires gate 2 PASSED")
			}
			var err error
			entries, err = stampEntries(id, next.TimelineThrough, next.TimelineEntries, watermark, tl.Entries, now)
			if err != nil {
				return nil, nil, false, err
			}
			if n := len(entries); n > 0 {
				next.TimelineThrough = entries[n-1].Range.Last
				next.TimelineEntries += n
			}
			if tl.Summary != nil {
				s := *tl.Summary
				next.Summary = &s
			}
			next.Gate3 = cases.GatePassed
			next.Gate3At = tl.EvaluatedAt
			changed = true
		}
	}

	switch {
	case d.Failure != nil:
		f := *d.Failure
		next.Failure = &f
		changed = true
	case changed:
		next.Failure = nil
	}

	next.NormalizeGates()
	next.State = next.DeriveState()
	return &next, entries, changed, nil
}

// checkMessages requires new messages to continue the watermark without
// gaps: the first is watermark+1 and each next one follows it directly.
func checkMessages(id string, watermark int, msgs []cases.Message) error {
	prev := watermark
	for _, m := range msgs {
		if m.Sequence != prev+1 {
			return errors.NewWatermarkConflict(id, prev, m.Sequence)
		}
		prev = m.Sequence
	}
	return nil
}

// stampEntries validates new timeline entries against the covered range and
// assigns ids, indexes and creation time.
func stampEntries(id string, through, count, watermark int, in []cases.TimelineEntry, now int64) ([]cases.TimelineEntry, error) {
	out := make([]cases.TimelineEntry, 0, len(in))
	last := through
	for i, e := range in {
		if e.Range.Empty() {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("timeline entry %d has an empty range", i))
		}
		if e.Range.First <= last {
			return nil, errors.NewTimelineOverlap(id, last, e.Range.First)
		}
		if e.Range.Last > watermark {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("timeline entry %d ends past message %d", i, watermark))
		}
		e.ID = newID()
		e.Index = count + i
		e.CreatedAt = now
		out = append(out, e)
		last = e.Range.Last
	}
	return out, nil
}

func applyScores(r *cases.ScoreRecord, s cases.Scores) {
	r.Stats = s.Stats
	r.Components = s.Components
	r.Criticality = s.Criticality
	r.Health = s.Health
	r.Bucket = s.Bucket
	r.NeedsReview = s.NeedsReview
	r.Trend = s.Trend
}

func newRecord(id string, c cases.Case, now int64) *cases.ScoreRecord {
	c.ID = id
	c.Status = cases.StatusOpen
	r := &cases.ScoreRecord{
		Case:      c,
		Gate1:     cases.GateNotEvaluated,
		Gate2:     cases.GateNotEvaluated,
		Gate3:     cases.GateNotEvaluated,
		Health:    100,
		Trend:     cases.Trend{Direction: cases.TrendStable},
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.State = r.DeriveState()
	return r
}

func normalize(caseID string) (string, error) {
	id := cases.NormalizeID(caseID)
	if id == "" {
		return "", errors.NewInvalidRequest("case_id is required")
	}
	return id, nil
}

func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
