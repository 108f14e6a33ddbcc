package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterValidation("tzname", validateTimezone)
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}

	details = append(details, crossFieldErrors(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

// crossFieldErrors checks constraints that span several fields.
func crossFieldErrors(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Embedding.APIKey",
			Message: "required when provider is openai",
			Value:   "",
		})
	}
	if cfg.Reasoning.Provider == "anthropic" && cfg.Reasoning.APIKey == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Reasoning.APIKey",
			Message: "required when provider is anthropic",
			Value:   "",
		})
	}
	if cfg.App.Environment == "production" && cfg.Embedding.Provider == "hash" {
		errs = append(errs, ConfigError{
			Field:   "Config.Embedding.Provider",
			Message: "hash embeddings do not capture meaning; use openai in production",
			Value:   cfg.Embedding.Provider,
		})
	}
	if cfg.Digest.Timeout > cfg.Reasoning.Timeout {
		errs = append(errs, ConfigError{
			Field:   "Config.Digest.Timeout",
			Message: "must not exceed reasoning.timeout",
			Value:   cfg.Digest.Timeout,
		})
	}
	if cfg.Storage.Type == "badger" && cfg.Storage.Badger.Path == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Storage.Badger.Path",
			Message: "required when storage type is badger",
			Value:   "",
		})
	}
	if cfg.Storage.StateBackend == "redis" && cfg.Storage.Redis.Address == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Storage.Redis.Address",
			Message: "required when state backend is redis",
			Value:   "",
		})
	}
	if cfg.Storage.StateBackend == "badger" && cfg.Storage.Type != "badger" {
		errs = append(errs, ConfigError{
			Field:   "Config.Storage.StateBackend",
			Message: "badger state backend needs storage type badger",
			Value:   cfg.Storage.StateBackend,
		})
	}
	return errs
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "tzname":
		return "must be a valid IANA time zone"
	case "env":
		return "must be one of [development staging production]"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "development", "staging", "production":
		return true
	}
	return false
}

func validateTimezone(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return true
	}
	_, err := time.LoadLocation(name)
	return err == nil
}
