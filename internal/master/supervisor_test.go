package master

import (
	"testing"

	"github.com/mailmanhq/engine/internal/config"
)

func TestSpecsFromConfigExpandsCount(t *testing.T) {
	cfg := &config.Config{Runners: []config.RunnerConfig{
		{Name: "Outgoing", Count: 2},
		{Name: "Bounce", Count: 1},
	}}
	specs := SpecsFromConfig(cfg)
	if len(specs) != 3 {
		t.Fatalf("len(specs) = %d, want 3", len(specs))
	}
	if specs[0].arg() != "Outgoing:0:2" || specs[1].arg() != "Outgoing:1:2" {
		t.Errorf("unexpected slice args: %q %q", specs[0].arg(), specs[1].arg())
	}
	if specs[2].arg() != "Bounce" {
		t.Errorf("single-count runner arg = %q, want unqualified name", specs[2].arg())
	}
}
