// Package ingest reads JSONL case uploads, one message per line.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/casegate/internal/cases"
)

// maxLineSize bounds a single upload line.
const maxLineSize = 16 * 1024 * 1024

// Line is one upload record. Case fields may repeat on every line of a
// case; the last non-empty value wins.
type Line struct {
	CaseID            string    `json:"case_id"`
	Customer          string    `json:"customer,omitempty"`
	Severity          string    `json:"severity,omitempty"`
	SupportTier       string    `json:"support_tier,omitempty"`
	IssueClass        string    `json:"issue_class,omitempty"`
	ResolutionOutlook string    `json:"resolution_outlook,omitempty"`
	CreatedAt         Timestamp `json:"created_at,omitempty"`
	Status            string    `json:"status,omitempty"`
	Sequence          int       `json:"sequence"`
	Sender            string    `json:"sender,omitempty"`
	Text              string    `json:"text"`
	Timestamp         Timestamp `json:"timestamp"`
}

// LineError reports a line that was left out of the load.
type LineError struct {
	Line    int    `json:"line"`
	CaseID  string `json:"case_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rejection is a case left out of the load because at least one of its
// lines was bad.
type Rejection struct {
	CaseID string `json:"case_id"`
	Lines  []int  `json:"lines"`
}

// Result is a parsed upload.
type Result struct {
	Uploads  []cases.Upload `json:"-"`
	Lines    int            `json:"lines"`
	Cases    int            `json:"cases"`
	Errors   []LineError    `json:"errors,omitempty"`
	Rejected []Rejection    `json:"rejected,omitempty"`
}

// Read parses r. Bad lines are collected in Result.Errors; only a read
// failure is returned as an error. A case with any bad line that names it
// is dropped whole and listed in Result.Rejected, so a partial history is
// never evaluated. Uploads keep the order in which cases first appear,
// with messages sorted by sequence.
func Read(r io.Reader) (*Result, error) {
	res := &Result{}
	byID := map[string]*cases.Upload{}
	seqs := map[string]map[int]bool{}
	var order []string

	tainted := map[string][]int{}
	var taintOrder []string
	taint := func(id string, line int) {
		if id == "" {
			return
		}
		if _, ok := tainted[id]; !ok {
			taintOrder = append(taintOrder, id)
		}
		tainted[id] = append(tainted[id], line)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		res.Lines++

		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			id := caseIDOf(raw)
			res.Errors = append(res.Errors, LineError{Line: lineNum, CaseID: id, Code: "PARSE_ERROR", Message: fmt.Sprintf("invalid JSON: %v", err)})
			taint(cases.NormalizeID(id), lineNum)
			continue
		}
		id := cases.NormalizeID(l.CaseID)
		if msg := validate(id, l); msg != "" {
			res.Errors = append(res.Errors, LineError{Line: lineNum, CaseID: l.CaseID, Code: "INVALID_RECORD", Message: msg})
			taint(id, lineNum)
			continue
		}

		up, ok := byID[id]
		if !ok {
			up = &cases.Upload{Case: cases.Case{ID: id, Status: cases.StatusOpen}}
			byID[id] = up
			seqs[id] = map[int]bool{}
			order = append(order, id)
		}
		if seqs[id][l.Sequence] {
			res.Errors = append(res.Errors, LineError{
				Line:    lineNum,
				CaseID:  id,
				Code:    "DUPLICATE_SEQUENCE",
				Message: fmt.Sprintf("sequence %d already seen for case", l.Sequence),
			})
			taint(id, lineNum)
			continue
		}
		seqs[id][l.Sequence] = true

		up.Case = up.Case.Merge(cases.Case{
			Customer:          strings.TrimSpace(l.Customer),
			Severity:          strings.ToUpper(strings.TrimSpace(l.Severity)),
			SupportTier:       strings.TrimSpace(l.SupportTier),
			IssueClass:        strings.TrimSpace(l.IssueClass),
			ResolutionOutlook: strings.TrimSpace(l.ResolutionOutlook),
			CreatedAt:         int64(l.CreatedAt),
		})
		if strings.EqualFold(strings.TrimSpace(l.Status), string(cases.StatusClosed)) {
			up.Case.Status = cases.StatusClosed
		}
		up.Messages = append(up.Messages, cases.RawMessage{
			Sequence:  l.Sequence,
			Sender:    l.Sender,
			Text:      l.Text,
			Timestamp: int64(l.Timestamp),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read upload line %d: %w", lineNum+1, err)
	}

	for _, id := range order {
		if _, bad := tainted[id]; bad {
			continue
		}
		up := byID[id]
		sort.SliceStable(up.Messages, func(i, j int) bool { return up.Messages[i].Sequence < up.Messages[j].Sequence })
		res.Uploads = append(res.Uploads, *up)
	}
	res.Cases = len(res.Uploads)
	for _, id := range taintOrder {
		res.Rejected = append(res.Rejected, Rejection{CaseID: id, Lines: tainted[id]})
	}
	return res, nil
}

// caseIDOf recovers the case id of a line that failed to decode, when the
// line is still a JSON object with a string case_id.
func caseIDOf(raw []byte) string {
	var head struct {
		CaseID string `json:"case_id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.CaseID
}

func validate(id string, l Line) string {
	switch {
	case id == "":
		return "case_id is required"
	case l.Sequence < 1:
		return "sequence must be >= 1"
	case l.Timestamp <= 0:
		return "timestamp is required"
	case strings.TrimSpace(l.Text) == "":
		return "text is required"
	}
	switch strings.ToUpper(strings.TrimSpace(l.Status)) {
	case "", string(cases.StatusOpen), string(cases.StatusClosed):
		return ""
	default:
		return fmt.Sprintf("status %q must be OPEN or CLOSED", l.Status)
	}
}

// Timestamp is Unix seconds. It also reads RFC 3339 strings, plain dates
// and numeric strings.
type Timestamp int64

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = 0
		return nil
	}
	if b[0] != '"' {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*t = Timestamp(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*t = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = Timestamp(n)
		return nil
	}
	for _, layout := range dateLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			*t = Timestamp(v.Unix())
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: want unix seconds, RFC 3339 or YYYY-MM-DD", s)
}
