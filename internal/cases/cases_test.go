package cases

import (
	"testing"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"leading zeros", "00123", "123"},
		{"padded digits", "  0042 ", "42"},
		{"all zeros", "000", "0"},
		{"alphanumeric keeps zeros", "CS-0042", "cs-0042"},
		{"collapse whitespace", "Case   7", "case 7"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeID(tt.input); got != tt.want {
				t.Errorf("NormalizeID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCountChars(t *testing.T) {
	if got := CountChars("héllo"); got != 5 {
		t.Errorf("CountChars() = %d, want 5", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("one two three"); got != 4 {
		t.Errorf("EstimateTokens() = %d, want 4", got)
	}
	if got := EstimateTokens("   "); got != 0 {
		t.Errorf("EstimateTokens(blank) = %d, want 0", got)
	}
}

func TestNormalizeGates(t *testing.T) {
	r := &ScoreRecord{Gate1: GateFailed, Gate2: GatePassed, Gate3: GatePassed}
	r.NormalizeGates()
	if r.Gate2 != GateNotEvaluated || r.Gate3 != GateNotEvaluated {
		t.Fatalf("gates = %s/%s, want downstream reset", r.Gate2, r.Gate3)
	}
	if !r.GatesMonotonic() {
		t.Fatalf("GatesMonotonic() = false after NormalizeGates")
	}

	r = &ScoreRecord{Gate1: GatePassed, Gate2: GateFailed, Gate3: GatePassed}
	r.NormalizeGates()
	if r.Gate3 != GateNotEvaluated {
		t.Fatalf("Gate3 = %s, want NOT_EVALUATED", r.Gate3)
	}
}

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name string
		rec  ScoreRecord
		want State
	}{
		{"unseen", ScoreRecord{}, StateUnseen},
		{"pending", ScoreRecord{Watermark: 3, Gate1: GateNotEvaluated}, StateGate1Pending},
		{"gate1 failed", ScoreRecord{Watermark: 3, Gate1: GateFailed}, StateGate1Failed},
		{"gate1 passed", ScoreRecord{Watermark: 3, Gate1: GatePassed, Gate2: GateNotEvaluated}, StateGate1Passed},
		{"gate2 failed", ScoreRecord{Watermark: 3, Gate1: GatePassed, Gate2: GateFailed}, StateGate2Failed},
		{"gate2 passed", ScoreRecord{Watermark: 3, Gate1: GatePassed, Gate2: GatePassed, Gate3: GateNotEvaluated}, StateGate2Passed},
		{"done", ScoreRecord{Watermark: 3, Gate1: GatePassed, Gate2: GatePassed, Gate3: GatePassed}, StateGate3Done},
		{"eval failed", ScoreRecord{Watermark: 3, Gate1: GatePassed, Failure: &EvalFailure{Stage: StageQuick}}, StateEvaluationFailed},
		{"closed wins", ScoreRecord{Watermark: 3, Case: Case{Status: StatusClosed}, Failure: &EvalFailure{}}, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.DeriveState(); got != tt.want {
				t.Errorf("DeriveState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEligibleFor(t *testing.T) {
	r := &ScoreRecord{Watermark: 5, Gate1: GatePassed, Gate2: GatePassed, Gate2At: 5, Gate3At: 3}
	if r.EligibleFor(2) {
		t.Errorf("EligibleFor(2) = true, gate 2 already ran at watermark 5")
	}
	if !r.EligibleFor(3) {
		t.Errorf("EligibleFor(3) = false, timeline is behind watermark")
	}

	r.Case.Status = StatusClosed
	if r.EligibleFor(3) {
		t.Errorf("closed case must never be eligible")
	}
}

func TestDeltaWatermark(t *testing.T) {
	d := Delta{BaseWatermark: 4}
	if d.Watermark() != 4 {
		t.Errorf("Watermark() = %d, want 4", d.Watermark())
	}
	d.Messages = []Message{{Sequence: 5}, {Sequence: 7}}
	if d.Watermark() != 7 {
		t.Errorf("Watermark() = %d, want 7", d.Watermark())
	}
	if d.HasVerdicts() {
		t.Errorf("HasVerdicts() = true for message-only delta")
	}
}

func TestOwnerOpposite(t *testing.T) {
	if OwnerCustomer.Opposite() != OwnerSupport || OwnerSupport.Opposite() != OwnerCustomer {
		t.Errorf("Opposite() mismatch")
	}
	if OwnerUnknown.Opposite() != OwnerUnknown {
		t.Errorf("OwnerUnknown.Opposite() = %s", OwnerUnknown.Opposite())
	}
}
