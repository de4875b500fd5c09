package sequence

import "sequenceflow/models"

// Suppression is the result of re-checking a due step against current state.
type Suppression struct {
	Status models.StepStatus
	// CompletionReason is written to the enrollment if it is still open.
	CompletionReason string
}

// CheckSuppression decides whether a due step must be skipped instead of sent.
// Conditions are checked in a fixed order: unsubscribed, replied, bounced,
// blocked, then any other terminal enrollment state. A hard bounce always
// suppresses; a soft bounce only when the sequence stops on bounce.
func CheckSuppression(contact *models.Contact, enrollment *models.Enrollment, stopOnBounce bool) (Suppression, bool) {
	if contact.Unsubscribed || contact.MarkedAsSpam {
		reason := models.CompletionUnsubscribed
		if contact.MarkedAsSpam {
			reason = models.CompletionSpamComplaint
		}
		return Suppression{Status: models.StepSkippedUnsubscribed, CompletionReason: reason}, true
	}

	if enrollment.RepliedAt != nil {
		return Suppression{Status: models.StepSkippedReplied}, true
	}

	if contact.BouncedAt != nil {
		bounceType := contact.BounceType
		if bounceType == "" {
			bounceType = models.BounceHard
		}
		if bounceType == models.BounceHard || stopOnBounce {
			return Suppression{Status: models.StepSkippedBounced, CompletionReason: string(bounceType) + "_bounce"}, true
		}
	}

	if contact.IsBlocked() {
		return Suppression{Status: models.StepSkippedBlocked, CompletionReason: models.CompletionBlocked}, true
	}

	if enrollment.SequenceCompletedAt != nil {
		return Suppression{Status: models.SkipStatusForReason(enrollment.CompletionReason)}, true
	}

	return Suppression{}, false
}
