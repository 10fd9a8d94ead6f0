package dispatch

import "github.com/example/service-dispatch/internal/models"

// Action names a lifecycle move. The string form is used in metrics and
// activity entries.
type Action string

const (
	ActionAccept           Action = "accept"
	ActionOnTheWay         Action = "on-the-way"
	ActionInProgress       Action = "in-progress"
	ActionComplete         Action = "complete"
	ActionCancelByCustomer Action = "cancel-by-customer"
	ActionCancelByProvider Action = "cancel-by-provider"
)

type actor int

const (
	actorProvider actor = iota // must hold acceptedByPhone, except for accept
	actorCustomer              // must be the request's customerPhone
)

type edge struct {
	from []models.Status
	to   models.Status
	by   actor
}

var transitions = map[Action]edge{
	ActionAccept:     {from: []models.Status{models.StatusPending}, to: models.StatusAccepted, by: actorProvider},
	ActionOnTheWay:   {from: []models.Status{models.StatusAccepted}, to: models.StatusOnTheWay, by: actorProvider},
	ActionInProgress: {from: []models.Status{models.StatusOnTheWay}, to: models.StatusInProgress, by: actorProvider},
	ActionComplete:   {from: []models.Status{models.StatusInProgress}, to: models.StatusDone, by: actorProvider},
	ActionCancelByCustomer: {
		from: []models.Status{models.StatusPending, models.StatusAccepted, models.StatusOnTheWay, models.StatusInProgress},
		to:   models.StatusCancelled,
		by:   actorCustomer,
	},
	ActionCancelByProvider: {
		from: []models.Status{models.StatusAccepted, models.StatusOnTheWay, models.StatusInProgress},
		to:   models.StatusCancelled,
		by:   actorProvider,
	},
}

func (e edge) allows(s models.Status) bool {
	for _, f := range e.from {
		if f == s {
			return true
		}
	}
	return false
}

// Allowed reports whether action may run on a request currently in s.
func Allowed(a Action, s models.Status) bool {
	e, ok := transitions[a]
	return ok && e.allows(s)
}
