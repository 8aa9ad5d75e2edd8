package sessions

// NextOp computes the minimal command needed to move the observed phase
// toward the desired state. It is a pure function so the transition table
// can be tested without any connection machinery.
//
// A failed phase is sticky: it never produces a command on its own, except
// for termination. The user must express new intent to re-attempt.
func NextOp(desired DesiredState, phase Phase) (Op, bool) {
	if desired == DesiredTerminated {
		if phase == PhaseTerminated {
			return "", false
		}
		return OpDestroy, true
	}

	if phase == PhaseFailed || phase == PhaseTerminated {
		return "", false
	}

	switch desired {
	case DesiredRunning:
		switch phase {
		case PhaseRunning:
			return "", false
		case PhaseHibernated:
			return OpResume, true
		case PhasePending:
			return OpStart, true
		}
	case DesiredHibernated:
		if phase == PhaseRunning {
			return OpHibernate, true
		}
	}

	return "", false
}

// PhaseAfter maps an acknowledged operation to the phase it produces. The
// agent's own status reports remain authoritative; this is applied on ack so
// the record converges even when a report is lost.
func PhaseAfter(op Op) (Phase, bool) {
	switch op {
	case OpStart, OpResume:
		return PhaseRunning, true
	case OpHibernate:
		return PhaseHibernated, true
	case OpDestroy:
		return PhaseTerminated, true
	}
	return "", false
}
