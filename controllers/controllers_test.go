package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sequenceflow/middleware"
	"sequenceflow/models"
	"sequenceflow/sequence"
	"sequenceflow/testutil"
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "whsec-test"

type testServer struct {
	app    *fiber.App
	db     *gorm.DB
	engine *sequence.EnrollmentEngine
	hub    *ActivityHub
	clock  *testutil.Clock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testutil.NewTestDB(t)
	logger := testutil.Logger()
	clock := testutil.NewClock(testutil.Epoch)

	scheduler := sequence.NewScheduler(logger)
	scheduler.Now = clock.Now
	engine := sequence.NewEnrollmentEngine(db, scheduler, nil, logger)
	engine.Now = clock.Now
	hub := NewActivityHub(logger)
	engine.Notifier = hub
	reactor := sequence.NewReactor(db, nil, nil, logger)
	reactor.Now = clock.Now
	reactor.Notifier = hub
	enroller := sequence.NewAutoEnroller(db, engine, nil, logger, 0)

	app := fiber.New()
	webhooks := NewWebhookController(reactor, logger)
	app.Post("/api/webhooks/email", middleware.WebhookSignature(testSecret, ""), webhooks.HandleEmailWebhook)

	sequences := NewSequenceController(db, logger)
	app.Post("/api/sequences", sequences.CreateSequence)

	campaigns := NewCampaignController(db, engine, logger)
	campaigns.Now = clock.Now
	app.Post("/api/campaigns/:id/status", campaigns.UpdateCampaignStatus)
	app.Post("/api/campaigns/:id/enroll", campaigns.EnrollContacts)
	app.Get("/api/campaigns/:id/stats", campaigns.GetCampaignStats)
	app.Get("/api/campaigns/:id/contacts/:contactId/sequence", campaigns.GetSequenceStatus)
	app.Post("/api/campaigns/:id/requeue-failed", campaigns.RequeueFailed)

	enrollment := NewEnrollmentController(enroller, logger)
	app.Post("/api/enrollment/sweep", enrollment.RunSweep)
	app.Post("/api/contacts/:id/auto-enroll", enrollment.AutoEnrollContact)

	return &testServer{app: app, db: db, engine: engine, hub: hub, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func (s *testServer) webhook(t *testing.T, body string) (int, map[string]interface{}) {
	t.Helper()
	sig := utils.SignPayload(testSecret, []byte(body))
	return s.do(t, http.MethodPost, "/api/webhooks/email", body, "X-Brevo-Signature", sig)
}

func TestHandleEmailWebhook(t *testing.T) {
	s := newTestServer(t)
	seq := testutil.CreateSequence(t, s.db, []int{0, 2}, true)
	campaign := testutil.CreateCampaign(t, s.db, seq)
	contact := testutil.CreateContact(t, s.db, "alice@x.com")
	_, err := s.engine.EnrollContact(context.Background(), contact, campaign)
	require.NoError(t, err)

	t.Run("bad signature", func(t *testing.T) {
		status, _ := s.do(t, http.MethodPost, "/api/webhooks/email", `{"event":"opened"}`, "X-Brevo-Signature", "nope")
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("malformed body", func(t *testing.T) {
		status, body := s.webhook(t, `{"event":`)
		assert.Equal(t, fiber.StatusBadRequest, status)
		assert.Equal(t, false, body["success"])
	})

	t.Run("non-object array item", func(t *testing.T) {
		status, _ := s.webhook(t, `[1, 2]`)
		assert.Equal(t, fiber.StatusBadRequest, status)
	})

	t.Run("unknown contact is ignored", func(t *testing.T) {
		status, body := s.webhook(t, `{"event":"opened","email":"ghost@x.com"}`)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "ignored", body["status"])
	})

	t.Run("blocked event stops the enrollment", func(t *testing.T) {
		status, body := s.webhook(t, `{"event":"blocked","email":"Alice@X.com","reason":"spam trap"}`)
		assert.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "processed", body["status"])
		assert.Equal(t, "blocked", body["event_type"])

		steps := testutil.Steps(t, s.db, campaign.ID, contact.ID)
		assert.Equal(t, models.StepSkippedBlocked, steps[0].Status)
	})

	t.Run("array body", func(t *testing.T) {
		status, body := s.webhook(t, `[{"event":"delivered","email":"alice@x.com"},{"event":"deferred","email":"alice@x.com"}]`)
		assert.Equal(t, fiber.StatusOK, status)
		results, ok := body["results"].([]interface{})
		require.True(t, ok)
		require.Len(t, results, 2)
		assert.Equal(t, "processed", results[0].(map[string]interface{})["status"])
		assert.Equal(t, "ignored", results[1].(map[string]interface{})["status"])
	})
}

type failingApplier struct {
	failFor string
	applied []string
}

func (f *failingApplier) Apply(ctx context.Context, ev sequence.ProviderEvent) (*sequence.EventOutcome, error) {
	if ev.Email == f.failFor {
		return nil, errors.New("database unavailable")
	}
	f.applied = append(f.applied, ev.Email)
	return &sequence.EventOutcome{Outcome: sequence.OutcomeProcessed, EventType: sequence.NormalizeEventType(ev.Event)}, nil
}

func TestHandleEmailWebhook_PartialFailure(t *testing.T) {
	applier := &failingApplier{failFor: "broken@x.com"}
	app := fiber.New()
	app.Post("/api/webhooks/email", NewWebhookController(applier, testutil.Logger()).HandleEmailWebhook)
	s := &testServer{app: app}

	t.Run("array answers per event", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/api/webhooks/email",
			`[{"event":"opened","email":"a@x.com"},{"event":"opened","email":"broken@x.com"},{"event":"clicked","email":"b@x.com"}]`)
		require.Equal(t, fiber.StatusOK, status)
		results := body["results"].([]interface{})
		require.Len(t, results, 3)
		assert.Equal(t, "processed", results[0].(map[string]interface{})["status"])
		assert.Equal(t, "error", results[1].(map[string]interface{})["status"])
		assert.Equal(t, "opened", results[1].(map[string]interface{})["event_type"])
		assert.Equal(t, "processed", results[2].(map[string]interface{})["status"])
		assert.Equal(t, []string{"a@x.com", "b@x.com"}, applier.applied)
	})

	t.Run("single event asks for redelivery", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, "/api/webhooks/email", `{"event":"opened","email":"broken@x.com"}`)
		assert.Equal(t, fiber.StatusInternalServerError, status)
		assert.Equal(t, false, body["success"])
	})
}

func TestUpdateCampaignStatus(t *testing.T) {
	s := newTestServer(t)
	seq := testutil.CreateSequence(t, s.db, []int{0}, true)
	campaign := testutil.CreateCampaign(t, s.db, seq, func(c *models.Campaign) { c.Status = models.CampaignDraft })
	path := "/api/campaigns/" + utils.Itoa(int(campaign.ID)) + "/status"

	status, _ := s.do(t, http.MethodPost, path, map[string]string{"status": "paused"})
	assert.Equal(t, fiber.StatusConflict, status)

	status, body := s.do(t, http.MethodPost, path, map[string]string{"status": "active"})
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "active", data["status"])
	assert.NotNil(t, data["started_at"])

	status, _ = s.do(t, http.MethodPost, path, map[string]string{"status": "paused"})
	assert.Equal(t, fiber.StatusOK, status)

	var stored models.Campaign
	require.NoError(t, s.db.First(&stored, campaign.ID).Error)
	assert.Equal(t, models.CampaignPaused, stored.Status)
	assert.NotNil(t, stored.PausedAt)

	t.Run("invalid sequence blocks activation", func(t *testing.T) {
		broken := testutil.CreateCampaign(t, s.db, nil, func(c *models.Campaign) { c.Status = models.CampaignDraft })
		status, _ := s.do(t, http.MethodPost, "/api/campaigns/"+utils.Itoa(int(broken.ID))+"/status", map[string]string{"status": "active"})
		assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	})

	t.Run("missing campaign", func(t *testing.T) {
		status, _ := s.do(t, http.MethodPost, "/api/campaigns/999/status", map[string]string{"status": "active"})
		assert.Equal(t, fiber.StatusNotFound, status)
	})
}

func TestEnrollContactsAndStatus(t *testing.T) {
	s := newTestServer(t)
	seq := testutil.CreateSequence(t, s.db, []int{1}, true)
	campaign := testutil.CreateCampaign(t, s.db, seq)
	a := testutil.CreateContact(t, s.db, "a@x.com")
	b := testutil.CreateContact(t, s.db, "b@x.com", func(c *models.Contact) { c.Unsubscribed = true })
	base := "/api/campaigns/" + utils.Itoa(int(campaign.ID))

	status, _ := s.do(t, http.MethodPost, base+"/enroll", map[string]interface{}{"contact_ids": []uint{}})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body := s.do(t, http.MethodPost, base+"/enroll", map[string]interface{}{"contact_ids": []uint{a.ID, b.ID}})
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 1, data["succeeded"])
	assert.EqualValues(t, 1, data["skipped"])

	status, body = s.do(t, http.MethodGet, base+"/contacts/"+utils.Itoa(int(a.ID))+"/sequence", nil)
	require.Equal(t, fiber.StatusOK, status)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, true, data["enrolled"])
	assert.Len(t, data["steps"], 1)

	status, body = s.do(t, http.MethodGet, base+"/contacts/"+utils.Itoa(int(b.ID))+"/sequence", nil)
	require.Equal(t, fiber.StatusOK, status)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, false, data["enrolled"])

	status, body = s.do(t, http.MethodGet, base+"/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	data = body["data"].(map[string]interface{})
	counters := data["counters"].(map[string]interface{})
	assert.EqualValues(t, 1, counters["total_contacts"])
	steps := data["steps"].(map[string]interface{})
	assert.EqualValues(t, 1, steps["scheduled"])
	enrollments := data["enrollments"].(map[string]interface{})
	assert.EqualValues(t, 1, enrollments["active"])

	status, _ = s.do(t, http.MethodPost, "/api/campaigns/999/enroll", map[string]interface{}{"contact_ids": []uint{a.ID}})
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestRequeueFailedEndpoint(t *testing.T) {
	s := newTestServer(t)
	seq := testutil.CreateSequence(t, s.db, []int{0}, true)
	campaign := testutil.CreateCampaign(t, s.db, seq)
	contact := testutil.CreateContact(t, s.db, "a@x.com")
	result, err := s.engine.EnrollContact(context.Background(), contact, campaign)
	require.NoError(t, err)
	require.NoError(t, s.db.Model(&models.ScheduledStep{}).Where("id = ?", result.FirstStep.ID).
		Updates(map[string]interface{}{"status": models.StepFailed, "error_message": "boom"}).Error)

	status, body := s.do(t, http.MethodPost, "/api/campaigns/"+utils.Itoa(int(campaign.ID))+"/requeue-failed", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["data"].(map[string]interface{})["requeued"])
	assert.Equal(t, models.StepScheduled, testutil.Steps(t, s.db, campaign.ID, contact.ID)[0].Status)
}

func TestCreateSequence_StopOnBounceDefaultsToTrue(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/api/sequences", map[string]interface{}{
		"name": "Defaults",
		"steps": []map[string]interface{}{
			{"step_number": 0, "delay_unit": "days", "template": map[string]string{"subject": "Hi"}},
		},
	})
	require.Equal(t, fiber.StatusCreated, status, body)

	var seq models.Sequence
	require.NoError(t, s.db.Where("name = ?", "Defaults").First(&seq).Error)
	assert.True(t, seq.StopOnBounce)
}

func TestCreateSequence(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/api/sequences", map[string]interface{}{
		"name":           "Onboarding",
		"stop_on_bounce": false,
		"steps": []map[string]interface{}{
			{"step_number": 0, "delay_amount": 0, "delay_unit": "days", "template": map[string]string{"subject": "Hi {first_name}"}},
			{"step_number": 1, "delay_amount": 3, "delay_unit": "day", "template": map[string]string{"subject": "Following up"}},
		},
	})
	require.Equal(t, fiber.StatusCreated, status, body)

	var seq models.Sequence
	require.NoError(t, s.db.Preload("Steps.Template").First(&seq).Error)
	assert.False(t, seq.StopOnBounce)
	require.Len(t, seq.Steps, 2)
	assert.Equal(t, models.DelayDays, seq.Steps[1].DelayUnit)
	assert.Equal(t, "Onboarding step 0", seq.Steps[0].Template.Name)

	invalid := map[string]interface{}{
		"gap": map[string]interface{}{
			"name": "Gap",
			"steps": []map[string]interface{}{
				{"step_number": 0, "delay_unit": "days", "template": map[string]string{"subject": "a"}},
				{"step_number": 2, "delay_unit": "days", "template": map[string]string{"subject": "b"}},
			},
		},
		"missing template": map[string]interface{}{
			"name": "Missing",
			"steps": []map[string]interface{}{
				{"step_number": 0, "delay_unit": "days", "template_id": 999},
			},
		},
		"no steps": map[string]interface{}{"name": "Empty"},
	}
	for name, payload := range invalid {
		t.Run(name, func(t *testing.T) {
			status, _ := s.do(t, http.MethodPost, "/api/sequences", payload)
			assert.Equal(t, fiber.StatusBadRequest, status)
		})
	}
}

func TestEnrollmentEndpoints(t *testing.T) {
	s := newTestServer(t)
	seq := testutil.CreateSequence(t, s.db, []int{0}, true)
	testutil.CreateCampaign(t, s.db, seq, func(c *models.Campaign) { c.AutoEnroll = true })
	contact := testutil.CreateContact(t, s.db, "a@x.com")

	status, body := s.do(t, http.MethodPost, "/api/contacts/"+utils.Itoa(int(contact.ID))+"/auto-enroll", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["data"].(map[string]interface{})["enrolled"])

	status, _ = s.do(t, http.MethodPost, "/api/contacts/999/auto-enroll", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	testutil.CreateContact(t, s.db, "b@x.com")
	status, body = s.do(t, http.MethodPost, "/api/enrollment/sweep", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["data"].(map[string]interface{})["enrolled"])
}

func TestActivityHub(t *testing.T) {
	hub := NewActivityHub(testutil.Logger())

	all, unsubAll := hub.Subscribe(0)
	one, unsubOne := hub.Subscribe(7)
	assert.Equal(t, 2, hub.ClientCount())

	hub.Publish(sequence.ActivityEvent{Type: "step.sent", CampaignID: 7, At: testutil.Epoch})
	hub.Publish(sequence.ActivityEvent{Type: "step.sent", CampaignID: 8, At: testutil.Epoch})

	assert.Len(t, all, 2)
	require.Len(t, one, 1)
	ev := <-one
	assert.EqualValues(t, 7, ev.CampaignID)

	unsubOne()
	unsubOne()
	assert.Equal(t, 1, hub.ClientCount())

	// a full buffer drops events instead of blocking
	done := make(chan struct{})
	go func() {
		for i := 0; i < activityBuffer*2; i++ {
			hub.Publish(sequence.ActivityEvent{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	unsubAll()
	assert.Zero(t, hub.ClientCount())
}
