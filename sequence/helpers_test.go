package sequence

import (
	"testing"

	"sequenceflow/metrics"
	"sequenceflow/testutil"

	"gorm.io/gorm"
)

type recordingNotifier struct {
	events []ActivityEvent
}

func (n *recordingNotifier) Publish(ev ActivityEvent) {
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestEngine(t *testing.T, db *gorm.DB, clock *testutil.Clock) *EnrollmentEngine {
	t.Helper()
	logger := testutil.Logger()
	scheduler := NewScheduler(logger)
	scheduler.Now = clock.Now
	engine := NewEnrollmentEngine(db, scheduler, metrics.NewNop(), logger)
	engine.Now = clock.Now
	return engine
}
