package controller

import (
	"context"
	"encoding/json"
	"strings"

	"sequenceflow/sequence"
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// EventApplier applies one normalized provider event.
type EventApplier interface {
	Apply(ctx context.Context, ev sequence.ProviderEvent) (*sequence.EventOutcome, error)
}

type WebhookController struct {
	Reactor EventApplier
	Logger  *logrus.Logger
}

func NewWebhookController(reactor EventApplier, logger *logrus.Logger) *WebhookController {
	return &WebhookController{Reactor: reactor, Logger: logger}
}

// HandleEmailWebhook applies provider events. The body is a single event
// object or an array of them. A failing single event answers 500 so the
// provider redelivers it. An array always answers 200 with one result per
// event; failed items are reported as "error" and logged, since redelivering
// the whole batch would apply its other events a second time.
func (wc *WebhookController) HandleEmailWebhook(c *fiber.Ctx) error {
	provider := strings.ToLower(c.Query("provider", "brevo"))

	var payload interface{}
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	var raws []map[string]interface{}
	single := false
	switch v := payload.(type) {
	case map[string]interface{}:
		raws, single = []map[string]interface{}{v}, true
	case []interface{}:
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return utils.ErrorResponse(c, fiber.StatusBadRequest, "Every event must be a JSON object", nil)
			}
			raws = append(raws, m)
		}
	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Body must be an event object or an array of events", nil)
	}

	results := make([]*sequence.EventOutcome, 0, len(raws))
	failed := 0
	for _, raw := range raws {
		ev := sequence.ParseProviderEvent(provider, raw)
		out, err := wc.Reactor.Apply(c.UserContext(), ev)
		if err != nil {
			failed++
			utils.LogError("webhook_apply", err, map[string]interface{}{
				"provider": provider,
				"event":    ev.Event,
				"event_id": ev.EventID,
				"email":    ev.Email,
			})
			out = &sequence.EventOutcome{
				Outcome:   sequence.OutcomeError,
				EventType: sequence.NormalizeEventType(ev.Event),
				Detail:    "failed to apply event",
			}
		}
		results = append(results, out)
	}

	if single {
		if failed > 0 {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process webhook event", nil)
		}
		return c.JSON(results[0])
	}
	if failed > 0 {
		wc.Logger.WithFields(logrus.Fields{
			"provider": provider,
			"events":   len(raws),
			"failed":   failed,
		}).Warn("Webhook batch applied partially")
	}
	return c.JSON(fiber.Map{"results": results})
}
