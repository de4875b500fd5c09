package sequence

import (
	"testing"

	"sequenceflow/models"
	"sequenceflow/testutil"

	"github.com/stretchr/testify/assert"
)

func TestCheckSuppression(t *testing.T) {
	now := testutil.Epoch

	tests := []struct {
		name         string
		contact      models.Contact
		enrollment   models.Enrollment
		stopOnBounce bool
		want         Suppression
		suppressed   bool
	}{
		{
			name:       "clean contact",
			contact:    models.Contact{IsActive: true},
			suppressed: false,
		},
		{
			name:       "unsubscribed wins over reply",
			contact:    models.Contact{Unsubscribed: true},
			enrollment: models.Enrollment{RepliedAt: &now},
			want:       Suppression{Status: models.StepSkippedUnsubscribed, CompletionReason: models.CompletionUnsubscribed},
			suppressed: true,
		},
		{
			name:       "spam complaint",
			contact:    models.Contact{MarkedAsSpam: true},
			want:       Suppression{Status: models.StepSkippedUnsubscribed, CompletionReason: models.CompletionSpamComplaint},
			suppressed: true,
		},
		{
			name:       "replied",
			enrollment: models.Enrollment{RepliedAt: &now},
			want:       Suppression{Status: models.StepSkippedReplied},
			suppressed: true,
		},
		{
			name:       "hard bounce ignores stop_on_bounce",
			contact:    models.Contact{BouncedAt: &now, BounceType: models.BounceHard},
			want:       Suppression{Status: models.StepSkippedBounced, CompletionReason: models.CompletionHardBounce},
			suppressed: true,
		},
		{
			name:         "soft bounce with stop_on_bounce",
			contact:      models.Contact{BouncedAt: &now, BounceType: models.BounceSoft},
			stopOnBounce: true,
			want:         Suppression{Status: models.StepSkippedBounced, CompletionReason: models.CompletionSoftBounce},
			suppressed:   true,
		},
		{
			name:       "soft bounce without stop_on_bounce",
			contact:    models.Contact{BouncedAt: &now, BounceType: models.BounceSoft},
			suppressed: false,
		},
		{
			name:       "blocked",
			contact:    models.Contact{BlockedAt: &now, DeliveryHealth: models.HealthBlocked},
			want:       Suppression{Status: models.StepSkippedBlocked, CompletionReason: models.CompletionBlocked},
			suppressed: true,
		},
		{
			name:       "completed enrollment",
			enrollment: models.Enrollment{SequenceCompletedAt: &now, CompletionReason: models.CompletionBlocked},
			want:       Suppression{Status: models.StepSkippedBlocked},
			suppressed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CheckSuppression(&tt.contact, &tt.enrollment, tt.stopOnBounce)
			assert.Equal(t, tt.suppressed, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
