// README: Intake validation for new service requests.
package request

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"roadside/internal/modules/location"
	"roadside/internal/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return types.Category(fl.Field().String()).Valid()
	})
	return v
}

type SubmitCommand struct {
	RequesterID types.ID       `json:"requester_id" validate:"required"`
	Category    types.Category `json:"category" validate:"required,category"`
	Urgency     Urgency        `json:"urgency" validate:"required,oneof=low medium high critical"`
	Location    *types.Point   `json:"location"`
	VehicleInfo VehicleInfo    `json:"vehicle_info"`
	Description string         `json:"description" validate:"max=2000"`
}

// IntakeError lists the offending fields of a rejected submission.
type IntakeError struct {
	Fields map[string]string
}

func (e *IntakeError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + " " + e.Fields[k]
	}
	return fmt.Sprintf("%s: %s", ErrInvalidIntake, strings.Join(parts, "; "))
}

func (e *IntakeError) Unwrap() error { return ErrInvalidIntake }

// ValidateIntake checks field constraints, the category's location
// requirement and coordinate ranges. Coordinate failures wrap
// location.ErrInvalidCoordinate.
func ValidateIntake(cmd SubmitCommand) error {
	fields := map[string]string{}
	if err := validate.Struct(cmd); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("%w: %v", ErrInvalidIntake, err)
		}
		for _, fe := range verrs {
			fields[fieldPath(fe)] = validationMessage(fe)
		}
	}
	if cmd.Location == nil && cmd.Category.RequiresLocation() {
		fields["location"] = "is required for this category"
	}
	if len(fields) > 0 {
		return &IntakeError{Fields: fields}
	}
	if cmd.Location != nil {
		if err := location.ValidatePoint(*cmd.Location); err != nil {
			return err
		}
	}
	return nil
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "category":
		return "is not a known service category"
	}
	return "is invalid"
}
