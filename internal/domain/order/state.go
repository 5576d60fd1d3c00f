package order

// paymentState implements the state pattern for payment lifecycle transitions.
type paymentState interface {
	State() State
	OnAuthorizationStarted(d *Draft) (paymentState, error)
	OnAuthorizationSucceeded(d *Draft) (paymentState, error)
	OnAuthorizationFailed(d *Draft, reason string) (paymentState, error)
	OnSettled(d *Draft) (paymentState, error)
}

func (d *Draft) state() paymentState {
	switch d.State {
	case StateAuthorizing:
		return authorizingState{}
	case StateAuthorized:
		return authorizedState{}
	case StateSettled:
		return settledState{}
	case StateFailed:
		return failedState{}
	default:
		return createdState{}
	}
}

type createdState struct{}

func (createdState) State() State { return StateCreated }

func (createdState) OnAuthorizationStarted(d *Draft) (paymentState, error) {
	d.FailureReason = ""
	return authorizingState{}, nil
}

func (createdState) OnAuthorizationSucceeded(*Draft) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

func (createdState) OnAuthorizationFailed(d *Draft, reason string) (paymentState, error) {
	d.FailureReason = reason
	return failedState{}, nil
}

func (createdState) OnSettled(*Draft) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

type authorizingState struct{}

func (authorizingState) State() State { return StateAuthorizing }

func (authorizingState) OnAuthorizationStarted(*Draft) (paymentState, error) {
	return authorizingState{}, nil
}

func (authorizingState) OnAuthorizationSucceeded(d *Draft) (paymentState, error) {
	d.FailureReason = ""
	return authorizedState{}, nil
}

func (authorizingState) OnAuthorizationFailed(d *Draft, reason string) (paymentState, error) {
	d.FailureReason = reason
	return failedState{}, nil
}

func (authorizingState) OnSettled(*Draft) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

type authorizedState struct{}

func (authorizedState) State() State { return StateAuthorized }

func (authorizedState) OnAuthorizationStarted(*Draft) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

// Duplicate success signals after authorization are no-ops.
func (authorizedState) OnAuthorizationSucceeded(*Draft) (paymentState, error) {
	return authorizedState{}, nil
}

// A failure signal after the money moved never regresses the order.
func (authorizedState) OnAuthorizationFailed(*Draft, string) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

func (authorizedState) OnSettled(d *Draft) (paymentState, error) {
	return settledState{}, nil
}

type settledState struct{}

func (settledState) State() State { return StateSettled }

func (settledState) OnAuthorizationStarted(*Draft) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

func (settledState) OnAuthorizationSucceeded(*Draft) (paymentState, error) {
	return settledState{}, nil
}

func (settledState) OnAuthorizationFailed(*Draft, string) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

func (settledState) OnSettled(*Draft) (paymentState, error) {
	return settledState{}, nil
}

type failedState struct{}

func (failedState) State() State { return StateFailed }

func (failedState) OnAuthorizationStarted(*Draft) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

func (failedState) OnAuthorizationSucceeded(*Draft) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}

func (failedState) OnAuthorizationFailed(d *Draft, reason string) (paymentState, error) {
	d.FailureReason = reason
	return failedState{}, nil
}

func (failedState) OnSettled(*Draft) (paymentState, error) {
	return nil, ErrInvalidStateTransition
}
