package models

// Actor distinguishes human-requested transitions from the ones the detection pass makes.
type Actor string

const (
	ActorHuman  Actor = "human"
	ActorSystem Actor = "system"
)

var (
	humanOnly  = []Actor{ActorHuman}
	systemOnly = []Actor{ActorSystem}
	anyActor   = []Actor{ActorHuman, ActorSystem}
)

// exceptionTransitions lists every legal edge. Resolved has no outgoing edges.
var exceptionTransitions = map[ExceptionStatus]map[ExceptionStatus][]Actor{
	ExceptionStatusOpen: {
		ExceptionStatusTriaged:  humanOnly,
		ExceptionStatusSnoozed:  humanOnly,
		ExceptionStatusResolved: anyActor,
	},
	ExceptionStatusTriaged: {
		ExceptionStatusResolved: anyActor,
	},
	ExceptionStatusSnoozed: {
		ExceptionStatusResolved: anyActor,
		ExceptionStatusOpen:     systemOnly,
	},
}

func CanTransition(from, to ExceptionStatus, actor Actor) bool {
	actors, ok := exceptionTransitions[from][to]
	if !ok {
		return false
	}
	for _, a := range actors {
		if a == actor {
			return true
		}
	}
	return false
}

func IsTerminal(status ExceptionStatus) bool {
	return len(exceptionTransitions[status]) == 0
}
