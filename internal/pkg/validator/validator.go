package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validations
	registerCustomValidations()
}

func registerCustomValidations() {
	// asset_kind validation: the two artifact kinds the orchestrator produces
	validate.RegisterValidation("asset_kind", func(fl validator.FieldLevel) bool {
		kind := fl.Field().String()
		return kind == "depth" || kind == "splat"
	})

	// media_kind validation: source media the orchestrator accepts
	validate.RegisterValidation("media_kind", func(fl validator.FieldLevel) bool {
		kind := fl.Field().String()
		return kind == "photo" || kind == "video"
	})

	// model_key validation: lowercase slug, matches the inference service's model identifiers
	validate.RegisterValidation("model_key", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" {
			return true
		}
		for _, r := range key {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
				return false
			}
		}
		return true
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "email":
			errors[field] = "Invalid email format"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "url":
			errors[field] = "Invalid URL format"
		case "asset_kind":
			errors[field] = "Invalid asset kind. Must be: depth or splat"
		case "media_kind":
			errors[field] = "Invalid media kind. Must be: photo or video"
		case "model_key":
			errors[field] = "Invalid model key. Must be lowercase alphanumeric with -, _, ."
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
