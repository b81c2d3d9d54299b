package api

// State identifies where the worker is in the invocation protocol.
type State string

const (
	StateInit           State = "init"
	StateInitError      State = "init_error"
	StateInvokeNext     State = "invoke_next"
	StateInvokeResponse State = "invoke_response"
	StateInvokeError    State = "invoke_error"
)

// ValidateTransition checks whether moving from the current state to an
// endpoint's target state is legal. The table enforces the platform's real
// contract: a worker must fetch an invocation before it may answer it, and
// it may not answer the same fetch twice. A startup failure (init_error) is
// terminal until the state machine is reset by a worker restart.
func ValidateTransition(from, to State) *ProtocolError {
	valid := map[State][]State{
		StateInit:           {StateInitError, StateInvokeNext},
		StateInitError:      {}, // terminal until reset
		StateInvokeNext:     {StateInvokeNext, StateInvokeResponse, StateInvokeError},
		StateInvokeResponse: {StateInvokeNext},
		StateInvokeError:    {StateInvokeNext},
	}

	allowed, exists := valid[from]
	if !exists {
		return NewInvalidStateError(from, to)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidStateError(from, to)
}
