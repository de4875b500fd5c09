package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"opened"}`)
	sig := SignPayload("secret", body)

	assert.True(t, VerifySignature("secret", body, sig))
	assert.True(t, VerifySignature("secret", body, "sha256="+sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte(`{"event":"clicked"}`), sig))
	assert.False(t, VerifySignature("secret", body, ""))
}
