// Package statemgr implements the State Manager (§4.3): a per-project
// phase state machine with arbitrary key/value storage and a subscriber
// API, persisted through the Scratchpad. The phase enum and the idea of
// checking a transition before mutating are grounded on the teacher's
// kanban/types.go Status enum and the scattered status checks in
// orchestrator.go's process*Stage methods; this package generalizes those
// ad-hoc checks into one explicit transition table.
package statemgr

import (
	"fmt"

	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
)

// transitions maps a phase to the set of phases it may move to. The
// forward edges come from model.OrderedPhases(); explicit retries (e.g.
// pr_review -> implementing, when a review requests changes) are added on
// top here, and Cancelled is reachable from every non-terminal phase.
var transitions = buildTransitions()

func buildTransitions() map[model.ProjectPhase]map[model.ProjectPhase]bool {
	t := make(map[model.ProjectPhase]map[model.ProjectPhase]bool)
	ordered := model.OrderedPhases()
	for i, phase := range ordered {
		t[phase] = make(map[model.ProjectPhase]bool)
		if i+1 < len(ordered) {
			t[phase][ordered[i+1]] = true
		}
		if phase != model.PhaseDone {
			t[phase][model.PhaseCancelled] = true
		}
	}
	t[model.PhaseDone] = make(map[model.ProjectPhase]bool)

	// Explicit retry edges.
	t[model.PhasePRReview][model.PhaseImplementing] = true
	t[model.PhaseQA][model.PhaseImplementing] = true
	t[model.PhaseSecurityReview][model.PhaseImplementing] = true
	t[model.PhaseCancelled] = make(map[model.ProjectPhase]bool)

	return t
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to model.ProjectPhase) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ValidateTransition returns an InvalidState error if from -> to is not
// legal, otherwise nil.
func ValidateTransition(from, to model.ProjectPhase) error {
	if !CanTransition(from, to) {
		return errs.New(errs.KindInvalidState, fmt.Sprintf("illegal phase transition: %s -> %s", from, to))
	}
	return nil
}
