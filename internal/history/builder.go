// Package history turns raw case messages into an ownership-attributed,
// delay-annotated history. Everything here is deterministic: the only time
// source is the messages' own timestamps.
package history

import (
	"fmt"
	"strings"

	"github.com/hpungsan/casegate/internal/cases"
	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/errors"
)

const secondsPerDay = 86400

// Builder enriches raw messages.
type Builder struct {
	vendor       string
	messageChars int
}

// NewBuilder creates a Builder from history configuration.
func NewBuilder(cfg config.HistoryConfig) *Builder {
	chars := cfg.MessageChars
	if chars <= 0 {
		chars = 2000
	}
	return &Builder{vendor: cfg.VendorName, messageChars: chars}
}

// History is the enriched message list of one case.
type History struct {
	CaseID string
	// All is stored messages followed by the new ones, in sequence order.
	All []cases.Message
	// New holds messages above the watermark.
	New []cases.Message
}

// NewRange returns the sequence span of the new messages.
func (h *History) NewRange() cases.Range {
	if len(h.New) == 0 {
		return cases.Range{First: 1, Last: 0}
	}
	return cases.Range{First: h.New[0].Sequence, Last: h.New[len(h.New)-1].Sequence}
}

// Build validates raw and enriches every message above watermark.
//
// stored are the messages already persisted for the case; they give the new
// messages their delay context and are never modified. Raw messages at or
// below the watermark must match a stored sequence and are skipped. New
// messages must continue the watermark without gaps, otherwise the upload
// is a WATERMARK_CONFLICT and nothing is built.
func (b *Builder) Build(caseID string, stored []cases.Message, raw []cases.RawMessage, watermark int) (*History, error) {
	if caseID == "" {
		return nil, errors.NewInvalidRequest("case_id is required")
	}
	if err := validateRaw(caseID, raw); err != nil {
		return nil, err
	}
	if err := checkContinuity(caseID, stored, raw, watermark); err != nil {
		return nil, err
	}
	return b.build(caseID, stored, raw, watermark), nil
}

// Snapshot enriches raw as a self-contained history with no stored
// context. Sequences only need to ascend.
func (b *Builder) Snapshot(caseID string, raw []cases.RawMessage) (*History, error) {
	if caseID == "" {
		return nil, errors.NewInvalidRequest("case_id is required")
	}
	if err := validateRaw(caseID, raw); err != nil {
		return nil, err
	}
	return b.build(caseID, nil, raw, 0), nil
}

func (b *Builder) build(caseID string, stored []cases.Message, raw []cases.RawMessage, watermark int) *History {

	h := &History{CaseID: caseID}
	h.All = make([]cases.Message, 0, len(stored)+len(raw))
	h.All = append(h.All, stored...)

	// lastSeen tracks the nearest prior message timestamp per known owner.
	lastSeen := map[cases.Owner]int64{}
	prevOwner := cases.OwnerUnknown
	for _, m := range stored {
		if m.Owner != cases.OwnerUnknown {
			lastSeen[m.Owner] = m.Timestamp
			prevOwner = m.Owner
		}
	}

	for _, r := range raw {
		if r.Sequence <= watermark {
			continue
		}
		m := cases.Message{
			Sequence:  r.Sequence,
			Sender:    strings.TrimSpace(r.Sender),
			Text:      strings.TrimSpace(r.Text),
			Timestamp: r.Timestamp,
			Owner:     InferOwner(r.Sender, r.Text, b.vendor),
			DelayDays: -1,
		}

		if m.Owner != cases.OwnerUnknown {
			if prev, ok := lastSeen[m.Owner.Opposite()]; ok && m.Timestamp >= prev {
				m.DelayDays = int((m.Timestamp - prev) / secondsPerDay)
				// Only a turn change is a response; follow-ups keep the number but no note.
				if prevOwner == m.Owner.Opposite() {
					m.DelayNote = delayNote(m.Owner, m.DelayDays)
				}
			}
			lastSeen[m.Owner] = m.Timestamp
			prevOwner = m.Owner
		}

		h.All = append(h.All, m)
		h.New = append(h.New, m)
	}

	return h
}

// checkContinuity rejects a raw message at or below the watermark that was
// never stored, and any gap between the watermark and the new messages.
// raw is already known to ascend.
func checkContinuity(caseID string, stored []cases.Message, raw []cases.RawMessage, watermark int) error {
	known := make(map[int]bool, len(stored))
	for _, m := range stored {
		known[m.Sequence] = true
	}
	next := watermark + 1
	for _, r := range raw {
		if r.Sequence <= watermark {
			if !known[r.Sequence] {
				return errors.NewWatermarkConflict(caseID, watermark, r.Sequence)
			}
			continue
		}
		if r.Sequence != next {
			return errors.NewWatermarkConflict(caseID, next-1, r.Sequence)
		}
		next++
	}
	return nil
}

// delayNote explains who was waiting. A support reply after a customer
// message means support was slow; the reverse means the customer was.
func delayNote(owner cases.Owner, days int) string {
	if days <= 0 {
		return ""
	}
	if owner == cases.OwnerSupport {
		return fmt.Sprintf("(%dd delay - SUPPORT responsible)", days)
	}
	return fmt.Sprintf("(%dd delay - CUSTOMER not responding)", days)
}

func validateRaw(caseID string, raw []cases.RawMessage) error {
	prev := 0
	for i, r := range raw {
		switch {
		case r.Sequence < 1:
			return invalidMessage(caseID, i, "sequence must be >= 1")
		case r.Sequence <= prev:
			return invalidMessage(caseID, i, fmt.Sprintf("sequence %d is not above previous %d", r.Sequence, prev))
		case r.Timestamp <= 0:
			return invalidMessage(caseID, i, "timestamp is required")
		case strings.TrimSpace(r.Text) == "":
			return invalidMessage(caseID, i, "text is required")
		}
		prev = r.Sequence
	}
	return nil
}

func invalidMessage(caseID string, index int, reason string) error {
	err := errors.NewInvalidRequest(fmt.Sprintf("case %s message %d: %s", caseID, index, reason))
	err.Details = map[string]any{"case_id": caseID, "index": index}
	return err
}
