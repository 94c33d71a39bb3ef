package vaultcore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a package-level, concurrency-safe validator instance, the
// same way a single package-level instance is shared across request
// handlers in an HTTP-fronted service.
var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs struct-tag validation on v, the Operator's substitute
// for decoding and validating an inbound HTTP request body: every caller
// into this module, not just one over the wire, goes through the same
// field-level checks before a struct reaches a component.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("vaultcore: validating input: %w", err)
	}

	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fieldName(fe)+": "+fieldMessage(fe))
	}
	return fmt.Errorf("vaultcore: invalid input: %s", strings.Join(msgs, "; "))
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		ns = ns[idx+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gtefield":
		return "must be greater than or equal to " + fe.Param()
	default:
		return "failed validation: " + fe.Tag()
	}
}
