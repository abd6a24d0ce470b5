package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeploymentState represents the lifecycle state of a deployment.
//
//	Undeployed -> Starting -> Deployed -> Stopping -> Undeployed
//	               |                        |
//	               +-> Failed <-------------+
//
// Failed is terminal and distinct from Undeployed.
type DeploymentState int

const (
	// DeploymentStateUndeployed is the state before start and after a successful stop
	DeploymentStateUndeployed DeploymentState = iota
	// DeploymentStateStarting means the start hook runs or its promise is pending
	DeploymentStateStarting
	// DeploymentStateDeployed means start completed successfully
	DeploymentStateDeployed
	// DeploymentStateStopping means the stop hook runs or its promise is pending
	DeploymentStateStopping
	// DeploymentStateFailed means start or stop failed
	DeploymentStateFailed
)

var deploymentStateNames = [...]string{
	DeploymentStateUndeployed: "undeployed",
	DeploymentStateStarting:   "starting",
	DeploymentStateDeployed:   "deployed",
	DeploymentStateStopping:   "stopping",
	DeploymentStateFailed:     "failed",
}

// AllDeploymentStates lists every state in declaration order.
var AllDeploymentStates = []DeploymentState{
	DeploymentStateUndeployed,
	DeploymentStateStarting,
	DeploymentStateDeployed,
	DeploymentStateStopping,
	DeploymentStateFailed,
}

func (s DeploymentState) String() string {
	if s < 0 || int(s) >= len(deploymentStateNames) {
		return fmt.Sprintf("DeploymentState(%d)", int(s))
	}
	return deploymentStateNames[s]
}

// MarshalText encodes the state by name.
func (s DeploymentState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(deploymentStateNames) {
		return nil, fmt.Errorf("unknown deployment state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *DeploymentState) UnmarshalText(text []byte) error {
	for i, name := range deploymentStateNames {
		if name == string(text) {
			*s = DeploymentState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown deployment state %q", string(text))
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s DeploymentState) CanTransitionTo(next DeploymentState) bool {
	switch s {
	case DeploymentStateUndeployed:
		return next == DeploymentStateStarting
	case DeploymentStateStarting:
		return next == DeploymentStateDeployed || next == DeploymentStateFailed
	case DeploymentStateDeployed:
		return next == DeploymentStateStopping
	case DeploymentStateStopping:
		return next == DeploymentStateUndeployed || next == DeploymentStateFailed
	}
	return false
}

// IsTerminal reports whether no transition leaves s for the same deployment.
func (s DeploymentState) IsTerminal() bool {
	return s == DeploymentStateFailed
}

// DeploymentInfo is a read-only snapshot of a deployment.
type DeploymentInfo struct {
	ID       string
	Verticle string
	State    DeploymentState
	Cause    error
	Since    time.Time
}

// DeploymentEvent describes one state transition.
type DeploymentEvent struct {
	DeploymentID string
	Verticle     string
	From         DeploymentState
	To           DeploymentState
	Cause        error
	Timestamp    time.Time
	// Duration is the time spent in From.
	Duration time.Duration
}

// DeploymentListener observes deployment transitions.
//
// Listeners are called synchronously, in registration order, on whichever
// goroutine performed the transition. They must return quickly.
type DeploymentListener interface {
	OnDeploymentEvent(event DeploymentEvent)
}

// DeploymentListenerFunc adapts a function to DeploymentListener.
type DeploymentListenerFunc func(event DeploymentEvent)

func (f DeploymentListenerFunc) OnDeploymentEvent(event DeploymentEvent) { f(event) }

func generateDeploymentID() string {
	return "deployment." + uuid.New().String()
}

func verticleName(v Verticle) string {
	if n, ok := v.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", v)
}
