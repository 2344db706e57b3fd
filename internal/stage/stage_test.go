package stage

import "testing"

func TestNewBase_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBase("normalize")

	if b.Name() != "normalize" {
		t.Fatalf("Name() = %q, want %q", b.Name(), "normalize")
	}
	if b.Version() != "v1" {
		t.Fatalf("Version() = %q, want v1", b.Version())
	}
	if b.EstimatedCost() != 1.0 {
		t.Fatalf("EstimatedCost() = %v, want 1.0", b.EstimatedCost())
	}
	axis, ok := b.ParallelisableOver()
	if ok || axis != "" {
		t.Fatalf("ParallelisableOver() = (%q, %v), want (\"\", false)", axis, ok)
	}
}

func TestBaseStage_ExplicitVersionAndCostAreRespected(t *testing.T) {
	t.Parallel()
	b := BaseStage{StageName: "train", StageVersion: "v3", Cost: 4.5}

	if b.Version() != "v3" {
		t.Fatalf("Version() = %q, want v3", b.Version())
	}
	if b.EstimatedCost() != 4.5 {
		t.Fatalf("EstimatedCost() = %v, want 4.5", b.EstimatedCost())
	}
}
