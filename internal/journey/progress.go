package journey

import (
	"slices"
	"time"
)

// MethodGeolocation is the validation method written by the geofence
// path; the (userID, stepID, method) triple is the idempotency anchor.
const MethodGeolocation = "geolocation"

// Step is one geo-tagged point of interest. Read-only here; content
// management owns it.
type Step struct {
	ID                     string  `json:"id"`
	TargetLatitude         float64 `json:"targetLatitude"`
	TargetLongitude        float64 `json:"targetLongitude"`
	ValidationRadiusMeters float64 `json:"validationRadiusMeters"`
	PointsAwarded          int     `json:"pointsAwarded"`
	HasQuiz                bool    `json:"hasQuiz"`
}

// Progress is a user's position in a journey. Mutated only by the
// Validator, exactly once per accepted step.
type Progress struct {
	JourneyID             string `json:"journeyId"`
	UserID                string `json:"userId"`
	CurrentStepIndex      int    `json:"currentStepIndex"`
	CompletedStepIndexes  []int  `json:"completedStepIndexes"`
	TotalPointsEarned     int    `json:"totalPointsEarned"`
	IsCompleted           bool   `json:"isCompleted"`
}

// HasCompleted reports whether the step index is in the completed set.
func (p *Progress) HasCompleted(index int) bool {
	return slices.Contains(p.CompletedStepIndexes, index)
}

// CompletionRecord is the append-only proof of one validated step.
type CompletionRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	StepID           string    `json:"stepId"`
	JourneyID        string    `json:"journeyId"`
	PointsEarned     int       `json:"pointsEarned"`
	ValidationMethod string    `json:"validationMethod"`
	CreatedAt        time.Time `json:"createdAt"`
}
