package lifecycle

// transitionTable maps a state to the events it accepts and their target.
// delete is handled separately in Next.
var transitionTable = map[State]map[Event]State{
	StateRegistered: {
		EventInitialize: StateInitializing,
	},
	StateInitializing: {
		EventInitSuccess: StateReady,
		EventInitFailure: StateFailed,
	},
	StateReady: {
		EventDeploy: StateDeploying,
	},
	StateDeploying: {
		EventDeploySuccess: StateDeployed,
		EventDeployFailure: StateFailed,
	},
	StateDeployed: {
		EventUndeploy: StateUndeploying,
	},
	StateUndeploying: {
		EventUndeploySuccess: StateReady,
		EventUndeployFailure: StateFailed,
	},
	StateFailed: {
		EventDeploy: StateDeploying,
	},
}

// Next returns the state reached by firing event in from.
//
// Deleting a model whose job is still running yields a Conflict rather than
// an InvalidTransition: the request is valid but must wait.
func Next(from State, event Event) (State, error) {
	if from.Terminal() {
		return "", NewInvalidTransitionError(from, event)
	}
	if event == EventDelete {
		if from.InFlight() {
			return "", NewConflictError("a job is in flight for this model", nil).
				WithCode(ErrCodeJobInFlight).
				WithDetail("state", string(from))
		}
		return StateDeleted, nil
	}
	if to, ok := transitionTable[from][event]; ok {
		return to, nil
	}
	return "", NewInvalidTransitionError(from, event)
}

// CanFire reports whether event is accepted in from.
func CanFire(from State, event Event) bool {
	_, err := Next(from, event)
	return err == nil
}
