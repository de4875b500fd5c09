package middleware

import (
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
)

// WebhookSignature rejects provider callbacks whose HMAC-SHA256 signature in
// header does not match the raw body. An empty secret disables the check.
func WebhookSignature(secret, header string) fiber.Handler {
	if header == "" {
		header = "X-Brevo-Signature"
	}
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		if !utils.VerifySignature(secret, c.Body(), c.Get(header)) {
			utils.LogEvent("webhook_signature_rejected", map[string]interface{}{
				"ip":   c.IP(),
				"path": c.Path(),
			})
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid webhook signature", nil)
		}
		return c.Next()
	}
}
