package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/db"
	"github.com/hpungsan/casegate/internal/errors"
)

// ExportHeader is the first line of an export file.
type ExportHeader struct {
	CasegateExport bool   `json:"_casegate_export"`
	SchemaVersion  string `json:"schema_version"`
	ExportedAt     int64  `json:"exported_at"`
}

// ExportRecord is one case with its messages and timeline.
type ExportRecord struct {
	Record   *cases.ScoreRecord    `json:"record"`
	Messages []cases.Message       `json:"messages"`
	Timeline []cases.TimelineEntry `json:"timeline,omitempty"`
}

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // abort on any collision, nothing written
	ImportModeReplace ImportMode = "replace" // overwrite existing cases
	ImportModeSkip    ImportMode = "skip"    // keep existing cases
)

// ImportResult reports what Import did.
type ImportResult struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors,omitempty"`
}

// ImportError is a per-line import problem.
type ImportError struct {
	Line    int    `json:"line"`
	CaseID  string `json:"case_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Export writes every case as JSONL, most critical first, and returns the
// number of cases written.
func (r *Repository) Export(ctx context.Context, w io.Writer) (int, error) {
	records, _, err := db.ListCases(ctx, r.db, db.ListFilter{})
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(ExportHeader{CasegateExport: true, SchemaVersion: "1.0", ExportedAt: r.now().Unix()}); err != nil {
		return 0, errors.NewInternal(err)
	}

	count := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return count, errors.NewInternal(err)
		}
		msgs, err := db.GetMessages(ctx, r.db, rec.Case.ID, 0)
		if err != nil {
			return count, err
		}
		timeline, err := db.GetTimeline(ctx, r.db, rec.Case.ID)
		if err != nil {
			return count, err
		}
		if err := enc.Encode(ExportRecord{Record: rec, Messages: msgs, Timeline: timeline}); err != nil {
			return count, errors.NewInternal(err)
		}
		count++
	}
	if err := bw.Flush(); err != nil {
		return count, errors.NewInternal(err)
	}
	return count, nil
}

// Import loads an export stream. Malformed lines are reported and skipped;
// in error mode any problem aborts the whole import.
func (r *Repository) Import(ctx context.Context, in io.Reader, mode ImportMode) (*ImportResult, error) {
	if mode == "" {
		mode = ImportModeError
	}
	if mode != ImportModeError && mode != ImportModeReplace && mode != ImportModeSkip {
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace, skip")
	}

	records, lines, parseErrors := parseExport(in)
	res := &ImportResult{Errors: parseErrors}
	if mode == ImportModeError && len(parseErrors) > 0 {
		return res, nil
	}
	res.Skipped = len(parseErrors)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, rec := range records {
		id := rec.Record.Case.ID
		_, err := db.GetCase(ctx, tx, id)
		exists := err == nil
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}

		if exists {
			switch mode {
			case ImportModeError:
				res.Errors = append(res.Errors, ImportError{
					Line: lines[i], CaseID: id, Code: "ID_COLLISION",
					Message: fmt.Sprintf("case %q already exists", id),
				})
				return &ImportResult{Errors: res.Errors}, nil
			case ImportModeSkip:
				res.Skipped++
				continue
			case ImportModeReplace:
				if err := db.DeleteCase(ctx, tx, id); err != nil {
					return nil, err
				}
			}
		}

		if err := db.InsertCase(ctx, tx, rec.Record); err != nil {
			return nil, err
		}
		if err := db.InsertMessages(ctx, tx, id, rec.Messages); err != nil {
			return nil, err
		}
		if err := db.InsertTimelineEntries(ctx, tx, id, rec.Timeline); err != nil {
			return nil, err
		}
		res.Imported++
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return res, nil
}

func parseExport(in io.Reader) ([]ExportRecord, []int, []ImportError) {
	var records []ExportRecord
	var lines []int
	var parseErrors []ImportError

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var header ExportHeader
		if json.Unmarshal(line, &header) == nil && header.CasegateExport {
			continue
		}

		var rec ExportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line: lineNum, Code: "PARSE_ERROR", Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}
		if rec.Record == nil || cases.NormalizeID(rec.Record.Case.ID) == "" {
			parseErrors = append(parseErrors, ImportError{
				Line: lineNum, Code: "INVALID_RECORD", Message: "missing record.case.id",
			})
			continue
		}
		rec.Record.Case.ID = cases.NormalizeID(rec.Record.Case.ID)
		records = append(records, rec)
		lines = append(lines, lineNum)
	}
	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line: lineNum, Code: "READ_ERROR", Message: fmt.Sprintf("failed to read input: %v", err),
		})
	}
	return records, lines, parseErrors
}
