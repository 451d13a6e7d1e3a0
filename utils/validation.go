package utils

import (
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report json field names so errors line up with payload keys
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	RegisterCustomValidations()
}

// Validator returns the shared validator instance
func Validator() *validator.Validate {
	return validate
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	return nil
}

// IsUnitInterval reports whether v is a finite number in [0,1]
func IsUnitInterval(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= 0 && v <= 1
}

// IsValidIdentifier checks an aggregate or entity identifier
func IsValidIdentifier(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && len(id) <= 64
}

// RegisterCustomValidations registers custom validation functions
func RegisterCustomValidations() {
	validate.RegisterValidation("unit_interval", func(fl validator.FieldLevel) bool {
		switch fl.Field().Kind() {
		case reflect.Float32, reflect.Float64:
			return IsUnitInterval(fl.Field().Float())
		default:
			return false
		}
	})

	validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return IsValidIdentifier(fl.Field().String())
	})
}

// FieldErrors flattens validator errors into "field: rule" strings
func FieldErrors(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, field+": "+rule)
	}
	return out
}
