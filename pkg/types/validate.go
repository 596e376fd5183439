package types

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names in validation errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterStructValidation(sessionEndTime, WorkflowSession{})
	return v
}

// sessionEndTime enforces that EndTime is set if and only if the status is terminal.
func sessionEndTime(sl validator.StructLevel) {
	s := sl.Current().Interface().(WorkflowSession)
	switch {
	case s.Status.IsTerminal() && s.EndTime == nil:
		sl.ReportError(s.EndTime, "end_time", "EndTime", "required_if_terminal", string(s.Status))
	case !s.Status.IsTerminal() && s.EndTime != nil:
		sl.ReportError(s.EndTime, "end_time", "EndTime", "excluded_unless_terminal", string(s.Status))
	}
}

// Validate checks v against its struct tags and the registered struct-level rules.
func Validate(v any) error {
	return validate.Struct(v)
}
