package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/errors"
)

const caseColumns = `
	case_id, customer, severity, support_tier, issue_class, resolution_outlook,
	case_created_at, status, state, gate1, gate2, gate3,
	watermark, gate2_at, gate3_at, timeline_through, timeline_entries,
	criticality, health, bucket, needs_review,
	stats_json, components_json, trend_json, quick_json, summary_json, failure_json,
	created_at, updated_at`

// InsertCase stores a new score record.
func InsertCase(ctx context.Context, q Querier, r *cases.ScoreRecord) error {
	args, err := caseArgs(r)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `INSERT INTO cases (` + caseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// UpdateCase overwrites every mutable column of an existing record.
func UpdateCase(ctx context.Context, q Querier, r *cases.ScoreRecord) error {
	args, err := caseArgs(r)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		UPDATE cases SET
			customer = ?, severity = ?, support_tier = ?, issue_class = ?, resolution_outlook = ?,
			case_created_at = ?, status = ?, state = ?, gate1 = ?, gate2 = ?, gate3 = ?,
			watermark = ?, gate2_at = ?, gate3_at = ?, timeline_through = ?, timeline_entries = ?,
			criticality = ?, health = ?, bucket = ?, needs_review = ?,
			stats_json = ?, components_json = ?, trend_json = ?, quick_json = ?, summary_json = ?, failure_json = ?,
			created_at = ?, updated_at = ?
		WHERE case_id = ?
	`
	// caseArgs leads with case_id; the UPDATE wants it last.
	args = append(args[1:], args[0])

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.NewInternal(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFound(r.Case.ID)
	}
	return nil
}

// GetCase retrieves a record by normalized case id.
func GetCase(ctx context.Context, q Querier, caseID string) (*cases.ScoreRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)
	r, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(caseID)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return r, nil
}

// ListFilter narrows ListCases. Zero values mean no filter.
type ListFilter struct {
	State    cases.State
	Customer string
	// Trend matches the stored trend direction.
	Trend string
	// MinRecentFrustration keeps cases whose recent-window average reaches it.
	MinRecentFrustration float64
	// Attention keeps cases with recent activity whose recent frustration
	// reaches MinRecentFrustration or whose trend is declining, ordered by
	// recent frustration. It replaces the plain MinRecentFrustration filter.
	Attention bool
	Limit     int
	Offset    int
}

// ListCases returns records ordered by criticality descending, plus the
// total number matching the filter before pagination.
func ListCases(ctx context.Context, q Querier, f ListFilter) ([]*cases.ScoreRecord, int, error) {
	var where []string
	var args []any
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Customer != "" {
		where = append(where, "customer = ?")
		args = append(args, f.Customer)
	}
	if f.Trend != "" {
		where = append(where, "json_extract(trend_json, '$.direction') = ?")
		args = append(args, f.Trend)
	}
	switch {
	case f.Attention:
		where = append(where, "json_extract(trend_json, '$.recent_count') > 0",
			"(json_extract(trend_json, '$.recent') >= ? OR json_extract(trend_json, '$.direction') = ?)")
		args = append(args, f.MinRecentFrustration, cases.TrendDeclining)
	case f.MinRecentFrustration > 0:
		where = append(where, "json_extract(trend_json, '$.recent') >= ?")
		args = append(args, f.MinRecentFrustration)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`+clause, args...).Scan(&total); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	order := ` ORDER BY criticality DESC, case_id ASC`
	if f.Attention {
		order = ` ORDER BY json_extract(trend_json, '$.recent') DESC, criticality DESC, case_id ASC`
	}
	query := `SELECT ` + caseColumns + ` FROM cases` + clause + order
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	records, err := queryCases(ctx, q, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListEligible returns open cases that are due for gate evaluation,
// most critical first.
func ListEligible(ctx context.Context, q Querier, gate int) ([]*cases.ScoreRecord, error) {
	var cond string
	switch gate {
	case 1:
		cond = `gate1 = 'NOT_EVALUATED' AND watermark > 0`
	case 2:
		cond = `gate1 = 'PASSED' AND gate2_at < watermark`
	case 3:
		cond = `gate2 = 'PASSED' AND gate3_at < watermark`
	default:
		return nil, errors.NewInvalidRequest("gate must be 1, 2 or 3")
	}
	query := `SELECT ` + caseColumns + ` FROM cases
		WHERE status = 'OPEN' AND ` + cond + `
		ORDER BY criticality DESC, case_id ASC`
	return queryCases(ctx, q, query)
}

// CountByState returns the number of records in each state.
func CountByState(ctx context.Context, q Querier) (map[cases.State]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT state, COUNT(*) FROM cases GROUP BY state`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := map[cases.State]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.NewInternal(err)
		}
		out[cases.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// InsertMessages appends enriched messages to a case.
func InsertMessages(ctx context.Context, q Querier, caseID string, msgs []cases.Message) error {
	query := `
		INSERT INTO messages (
			case_id, sequence, sender, text, timestamp, owner, delay_days, delay_note, frustration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, m := range msgs {
		var frustration sql.NullInt64
		if m.Frustration != nil {
			frustration = sql.NullInt64{Int64: int64(*m.Frustration), Valid: true}
		}
		_, err := q.ExecContext(ctx, query,
			caseID, m.Sequence, toNullString(m.Sender), m.Text, m.Timestamp,
			string(m.Owner), m.DelayDays, toNullString(m.DelayNote), frustration,
		)
		if err != nil {
			return errors.NewInternal(err)
		}
	}
	return nil
}

// GetMessages returns a case's messages with sequence above afterSeq, in order.
func GetMessages(ctx context.Context, q Querier, caseID string, afterSeq int) ([]cases.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sequence, sender, text, timestamp, owner, delay_days, delay_note, frustration
		FROM messages
		WHERE case_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`, caseID, afterSeq)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []cases.Message
	for rows.Next() {
		var (
			m           cases.Message
			sender      sql.NullString
			note        sql.NullString
			owner       string
			frustration sql.NullInt64
		)
		if err := rows.Scan(&m.Sequence, &sender, &m.Text, &m.Timestamp, &owner, &m.DelayDays, &note, &frustration); err != nil {
			return nil, errors.NewInternal(err)
		}
		m.Sender = sender.String
		m.DelayNote = note.String
		m.Owner = cases.Owner(owner)
		if frustration.Valid {
			v := int(frustration.Int64)
			m.Frustration = &v
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// InsertTimelineEntries appends timeline entries to a case.
func InsertTimelineEntries(ctx context.Context, q Querier, caseID string, entries []cases.TimelineEntry) error {
	query := `
		INSERT INTO timeline_entries (
			id, case_id, idx, first_seq, last_seq, label, summary, sentiment,
			customer_tone, frustration_detected, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, e := range entries {
		_, err := q.ExecContext(ctx, query,
			e.ID, caseID, e.Index, e.Range.First, e.Range.Last, e.Label, e.Summary, e.Sentiment,
			toNullString(e.CustomerTone), boolToInt(e.FrustrationDetected), e.CreatedAt,
		)
		if err != nil {
			return errors.NewInternal(err)
		}
	}
	return nil
}

// GetTimeline returns a case's timeline entries in index order.
func GetTimeline(ctx context.Context, q Querier, caseID string) ([]cases.TimelineEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, idx, first_seq, last_seq, label, summary, sentiment,
			customer_tone, frustration_detected, created_at
		FROM timeline_entries
		WHERE case_id = ?
		ORDER BY idx ASC
	`, caseID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []cases.TimelineEntry
	for rows.Next() {
		var (
			e          cases.TimelineEntry
			tone       sql.NullString
			frustrated int
		)
		if err := rows.Scan(&e.ID, &e.Index, &e.Range.First, &e.Range.Last, &e.Label, &e.Summary,
			&e.Sentiment, &tone, &frustrated, &e.CreatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		e.CustomerTone = tone.String
		e.FrustrationDetected = frustrated != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// DeleteCase removes a case with its messages and timeline. Only import
// replace uses it; cases are otherwise never deleted.
func DeleteCase(ctx context.Context, q Querier, caseID string) error {
	for _, stmt := range []string{
		`DELETE FROM timeline_entries WHERE case_id = ?`,
		`DELETE FROM messages WHERE case_id = ?`,
		`DELETE FROM cases WHERE case_id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, caseID); err != nil {
			return errors.NewInternal(err)
		}
	}
	return nil
}

func queryCases(ctx context.Context, q Querier, query string, args ...any) ([]*cases.ScoreRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*cases.ScoreRecord
	for rows.Next() {
		r, err := scanCase(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// caseArgs flattens a record in caseColumns order.
func caseArgs(r *cases.ScoreRecord) ([]any, error) {
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return nil, err
	}
	components, err := json.Marshal(r.Components)
	if err != nil {
		return nil, err
	}
	trend, err := json.Marshal(r.Trend)
	if err != nil {
		return nil, err
	}
	quick, err := toNullJSON(r.Quick)
	if err != nil {
		return nil, err
	}
	summary, err := toNullJSON(r.Summary)
	if err != nil {
		return nil, err
	}
	failure, err := toNullJSON(r.Failure)
	if err != nil {
		return nil, err
	}

	c := r.Case
	return []any{
		c.ID, toNullString(c.Customer), toNullString(c.Severity), toNullString(c.SupportTier),
		toNullString(c.IssueClass), toNullString(c.ResolutionOutlook),
		c.CreatedAt, string(c.Status), string(r.State),
		string(r.Gate1), string(r.Gate2), string(r.Gate3),
		r.Watermark, r.Gate2At, r.Gate3At, r.TimelineThrough, r.TimelineEntries,
		r.Criticality, r.Health, toNullString(r.Bucket), boolToInt(r.NeedsReview),
		string(stats), string(components), string(trend), quick, summary, failure,
		r.CreatedAt, r.UpdatedAt,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(row scanner) (*cases.ScoreRecord, error) {
	var (
		r                                     cases.ScoreRecord
		customer, severity, tier, class, reso sql.NullString
		status, state, gate1, gate2, gate3    string
		bucket                                sql.NullString
		needsReview                           int
		stats, components, trend              string
		quick, summary, failure               sql.NullString
	)

	err := row.Scan(
		&r.Case.ID, &customer, &severity, &tier, &class, &reso,
		&r.Case.CreatedAt, &status, &state, &gate1, &gate2, &gate3,
		&r.Watermark, &r.Gate2At, &r.Gate3At, &r.TimelineThrough, &r.TimelineEntries,
		&r.Criticality, &r.Health, &bucket, &needsReview,
		&stats, &components, &trend, &quick, &summary, &failure,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Case.Customer = customer.String
	r.Case.Severity = severity.String
	r.Case.SupportTier = tier.String
	r.Case.IssueClass = class.String
	r.Case.ResolutionOutlook = reso.String
	r.Case.Status = cases.Status(status)
	r.State = cases.State(state)
	r.Gate1 = cases.GateStatus(gate1)
	r.Gate2 = cases.GateStatus(gate2)
	r.Gate3 = cases.GateStatus(gate3)
	r.Bucket = bucket.String
	r.NeedsReview = needsReview != 0

	if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(components), &r.Components); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trend), &r.Trend); err != nil {
		return nil, err
	}
	if quick.Valid {
		r.Quick = &cases.QuickResult{}
		if err := json.Unmarshal([]byte(quick.String), r.Quick); err != nil {
			return nil, err
		}
	}
	if summary.Valid {
		r.Summary = &cases.Summary{}
		if err := json.Unmarshal([]byte(summary.String), r.Summary); err != nil {
			return nil, err
		}
	}
	if failure.Valid {
		r.Failure = &cases.EvalFailure{}
		if err := json.Unmarshal([]byte(failure.String), r.Failure); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// toNullJSON marshals v into a nullable column; nil pointers become NULL.
func toNullJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// toNullString maps "" to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
