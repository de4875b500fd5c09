package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// delayUnits are the accepted step delay units, aliases included.
var delayUnits = map[string]bool{
	"minute": true, "minutes": true, "min": true,
	"hour": true, "hours": true, "hr": true,
	"day": true, "days": true,
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("delayunit", func(fl validator.FieldLevel) bool {
		return delayUnits[strings.ToLower(strings.TrimSpace(fl.Field().String()))]
	})
	return v
}

// ValidateStruct validates s and flattens the failures into one error
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	var messages []string
	for _, fe := range validationErrors {
		field := strings.ToLower(fe.Field())
		param := fe.Param()

		switch fe.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "min":
			messages = append(messages, field+" must be at least "+param)
		case "max":
			messages = append(messages, field+" must be at most "+param)
		case "email":
			messages = append(messages, field+" must be a valid email")
		case "delayunit":
			messages = append(messages, field+" must be one of minutes, hours, days")
		default:
			messages = append(messages, field+" is invalid")
		}
	}
	return errors.New(strings.Join(messages, ", "))
}
