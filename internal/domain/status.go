package domain

import "fmt"

// Directive lifecycle statuses.
const (
	DirectiveRequested = "requested"
	DirectiveRunning   = "running"
	DirectiveSucceeded = "succeeded"
	DirectiveFailed    = "failed"
	DirectiveCanceled  = "canceled"
)

// Installation lifecycle statuses.
const (
	InstallationRequested  = "requested"
	InstallationInstalling = "installing"
	InstallationInstalled  = "installed"
	InstallationFailed     = "failed"
	InstallationDisabled   = "disabled"
)

// TransitionError reports an illegal lifecycle move.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

// DirectiveTransition validates a directive status move. Statuses only
// move forward; terminal states have no exit except the explicit rerun
// override, which bypasses this check at the call site.
func DirectiveTransition(from, to string) error {
	switch from {
	case DirectiveRequested:
		if to == DirectiveRunning || to == DirectiveCanceled {
			return nil
		}
	case DirectiveRunning:
		if to == DirectiveSucceeded || to == DirectiveFailed || to == DirectiveCanceled {
			return nil
		}
	}
	return &TransitionError{Entity: "directive", From: from, To: to}
}

// DirectiveTerminal reports whether a status has no forward transitions.
func DirectiveTerminal(status string) bool {
	switch status {
	case DirectiveSucceeded, DirectiveFailed, DirectiveCanceled:
		return true
	}
	return false
}

// InstallationTransition validates an installation status move.
// failed -> installing allows retried installs to converge.
func InstallationTransition(from, to string) error {
	switch from {
	case InstallationRequested:
		if to == InstallationInstalling {
			return nil
		}
	case InstallationInstalling:
		if to == InstallationInstalled || to == InstallationFailed {
			return nil
		}
	case InstallationInstalled:
		if to == InstallationDisabled {
			return nil
		}
	case InstallationFailed:
		if to == InstallationInstalling {
			return nil
		}
	case InstallationDisabled:
		if to == InstallationInstalling {
			return nil
		}
	}
	return &TransitionError{Entity: "installation", From: from, To: to}
}
