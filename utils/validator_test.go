package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStruct(t *testing.T) {
	type step struct {
		Name  string `validate:"required"`
		Delay int    `validate:"min=0"`
		Unit  string `validate:"required,delayunit"`
	}

	assert.NoError(t, ValidateStruct(step{Name: "a", Unit: "Days"}))
	assert.NoError(t, ValidateStruct(step{Name: "a", Unit: " hr "}))

	err := ValidateStruct(step{Delay: -1, Unit: "weeks"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "delay must be at least 0")
	assert.Contains(t, err.Error(), "unit must be one of minutes, hours, days")
}

func TestParseUint(t *testing.T) {
	assert.Equal(t, uint(42), ParseUint("42"))
	assert.Equal(t, uint(0), ParseUint("-1"))
	assert.Equal(t, uint(0), ParseUint("abc"))
}
