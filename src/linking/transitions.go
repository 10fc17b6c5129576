package linking

import (
	"fmt"

	"link-server/src/apperr"
	"link-server/src/models"
)

// Event drives a session from one state to the next.
type Event string

const (
	EventLinkTokenIssued Event = "link_token_issued"
	EventExchanged       Event = "exchanged"
	EventFail            Event = "fail"
	EventExpire          Event = "expire"
)

var transitions = map[models.SessionState]map[Event]models.SessionState{
	models.SessionPending: {
		EventLinkTokenIssued: models.SessionAwaitingExchange,
		EventFail:            models.SessionFailed,
		EventExpire:          models.SessionExpired,
	},
	models.SessionAwaitingExchange: {
		EventExchanged: models.SessionLinked,
		EventFail:      models.SessionFailed,
		EventExpire:    models.SessionExpired,
	},
}

// Next returns the state reached from "from" on ev. Pairs missing from the
// table, including everything out of a terminal state, are state errors.
func Next(from models.SessionState, ev Event) (models.SessionState, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", stateError(from, ev)
}

func stateError(from models.SessionState, ev Event) error {
	return apperr.State(
		fmt.Sprintf("cannot apply %s to a session in state %s", ev, from),
		map[string]any{"state": string(from), "event": string(ev)},
	)
}
