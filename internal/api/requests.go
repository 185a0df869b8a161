package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/TherapyPipe/internal/models"
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	UserID   string            `json:"user_id" validate:"required,max=128"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"max=32,dive,keys,max=64,endkeys,max=1024"`
}

// InputRequest is the body of POST /sessions/{id}/input. The turn endpoints
// accept it too, as an optional message sent before processing.
type InputRequest struct {
	Text string `json:"text" validate:"notblank,usertext"`
}

// TurnRequest is the optional body of the turn endpoints.
type TurnRequest struct {
	Text string `json:"text,omitempty" validate:"omitempty,usertext"`
}

// PromptRequest is the body of the prompt update endpoints.
type PromptRequest struct {
	Text string `json:"text" validate:"notblank,max=65536"`
	// Persist writes the prompt file after the update.
	Persist bool `json:"persist,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("usertext", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= models.MaxUserMessageLength
	})
	return v
}

// validationMessage turns validator errors into a short client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required", "notblank":
		return "Missing required field: " + field
	case "usertext":
		return models.ErrMessageTooLong.Error()
	default:
		return "Invalid field: " + field
	}
}
