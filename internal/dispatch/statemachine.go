package dispatch

import "swiftaid/internal/model"

var requestTransitions = map[model.RequestStatus][]model.RequestStatus{
	model.StatusPending:    {model.StatusAssigned, model.StatusCancelled},
	model.StatusAssigned:   {model.StatusInProgress, model.StatusCancelled},
	model.StatusInProgress: {model.StatusCompleted},
}

// CanTransition reports whether a request may move from one status to another.
func CanTransition(from, to model.RequestStatus) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validRequestStatus(s model.RequestStatus) bool {
	switch s {
	case model.StatusPending, model.StatusAssigned, model.StatusInProgress, model.StatusCompleted, model.StatusCancelled:
		return true
	}
	return false
}
