package api

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/skua-data/skua/internal/domain"
)

// validate is the shared validator instance for request DTOs. Struct tags
// drive the checks; field names in messages come from the json tag so errors
// speak the wire vocabulary, not Go field names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		tag := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if tag == "-" || tag == "" {
			return field.Name
		}
		return tag
	})
	return v
}

// validateStruct runs tag validation on a request DTO and aggregates every
// failure into one bad_request error, so clients see all problems at once.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return domain.Wrap(domain.ErrBadRequest, "invalid request", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return domain.E(domain.ErrBadRequest, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "gt":
		return fe.Field() + " must be greater than " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}
