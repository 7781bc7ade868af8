package store

import "qms/clinic-queue/internal/models"

var transitionMap = map[string][]models.EntryStatus{
	"start_serving": {models.StatusWaiting},
	"complete":      {models.StatusServing},
	"skip":          {models.StatusServing},
	"announce":      {models.StatusServing},
	"redistribute":  {models.StatusWaiting},
}

func ValidTransition(action string, fromStatus models.EntryStatus) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
