package dispatch

import (
	"fmt"

	"swiftaid/internal/model"
)

// Notification bodies.

func FormatEmergencyRequest(r model.Request) string {
	name := r.UserName
	if name == "" {
		name = "a requester"
	}
	return fmt.Sprintf("URGENT: New %s emergency request from %s at %s. Please respond ASAP.", r.Severity, name, r.Location.Address)
}

func FormatDriverAssigned(driverName string, etaMinutes int) string {
	return fmt.Sprintf("Driver %s has been assigned to your emergency request. ETA: %d minutes.", driverName, etaMinutes)
}

func FormatAssignmentForDriver(r model.Request) string {
	return fmt.Sprintf("You have been assigned to a %s emergency at %s: %s", r.Severity, r.Location.Address, r.Description)
}

func FormatCancelledForDriver(r model.Request) string {
	return fmt.Sprintf("The emergency request at %s has been cancelled. You are available for new assignments.", r.Location.Address)
}

func FormatMessage(sender, text string) string {
	return fmt.Sprintf("%s: %s", sender, text)
}

func FormatRating(r model.Request) string {
	if r.Rating == nil {
		return ""
	}
	if r.Rating.Feedback == "" {
		return fmt.Sprintf("Request %s was rated %d/5.", r.ID, r.Rating.Rating)
	}
	return fmt.Sprintf("Request %s was rated %d/5: %s", r.ID, r.Rating.Rating, r.Rating.Feedback)
}
