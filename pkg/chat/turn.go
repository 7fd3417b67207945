package chat

// TurnState tracks one chat turn:
// RECEIVED -> RETRIEVING -> GENERATING -> COMPLETED, with FAILED
// reachable from RETRIEVING or GENERATING on unrecoverable error.
type TurnState string

const (
	TurnReceived   TurnState = "RECEIVED"
	TurnRetrieving TurnState = "RETRIEVING"
	TurnGenerating TurnState = "GENERATING"
	TurnCompleted  TurnState = "COMPLETED"
	TurnFailed     TurnState = "FAILED"
)

var turnTransitions = map[TurnState][]TurnState{
	TurnReceived:   {TurnRetrieving},
	TurnRetrieving: {TurnGenerating, TurnFailed},
	TurnGenerating: {TurnCompleted, TurnFailed},
}

type turn struct {
	state TurnState
}

func newTurn() *turn {
	return &turn{state: TurnReceived}
}

// advance moves the turn to next when the transition is legal and
// reports whether it moved. Terminal states never advance.
func (t *turn) advance(next TurnState) bool {
	for _, allowed := range turnTransitions[t.state] {
		if allowed == next {
			t.state = next
			return true
		}
	}
	return false
}

func (t *turn) fail() {
	t.advance(TurnFailed)
}
