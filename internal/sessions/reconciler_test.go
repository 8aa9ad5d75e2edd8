package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextOp(t *testing.T) {
	tests := []struct {
		name    string
		desired DesiredState
		phase   Phase
		wantOp  Op
		wantAct bool
	}{
		{"start pending session", DesiredRunning, PhasePending, OpStart, true},
		{"resume hibernated session", DesiredRunning, PhaseHibernated, OpResume, true},
		{"running already converged", DesiredRunning, PhaseRunning, "", false},
		{"hibernate running session", DesiredHibernated, PhaseRunning, OpHibernate, true},
		{"hibernated already converged", DesiredHibernated, PhaseHibernated, "", false},
		{"hibernate pending waits for start", DesiredHibernated, PhasePending, "", false},
		{"destroy running session", DesiredTerminated, PhaseRunning, OpDestroy, true},
		{"destroy hibernated session", DesiredTerminated, PhaseHibernated, OpDestroy, true},
		{"destroy failed session", DesiredTerminated, PhaseFailed, OpDestroy, true},
		{"terminated is terminal", DesiredTerminated, PhaseTerminated, "", false},
		{"failed is sticky under running intent", DesiredRunning, PhaseFailed, "", false},
		{"failed is sticky under hibernate intent", DesiredHibernated, PhaseFailed, "", false},
		{"terminated ignores new running intent", DesiredRunning, PhaseTerminated, "", false},
		{"terminated ignores hibernate intent", DesiredHibernated, PhaseTerminated, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, act := NextOp(tt.desired, tt.phase)
			assert.Equal(t, tt.wantAct, act)
			if tt.wantAct {
				assert.Equal(t, tt.wantOp, op)
			}
		})
	}
}

func TestPhaseAfter(t *testing.T) {
	tests := []struct {
		op        Op
		wantPhase Phase
		wantKnown bool
	}{
		{OpStart, PhaseRunning, true},
		{OpResume, PhaseRunning, true},
		{OpHibernate, PhaseHibernated, true},
		{OpDestroy, PhaseTerminated, true},
		{Op("unknown"), "", false},
	}

	for _, tt := range tests {
		phase, known := PhaseAfter(tt.op)
		assert.Equal(t, tt.wantKnown, known, "op %s", tt.op)
		if tt.wantKnown {
			assert.Equal(t, tt.wantPhase, phase, "op %s", tt.op)
		}
	}
}
