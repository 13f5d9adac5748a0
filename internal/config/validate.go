package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.AMQPURL == "" {
		errs = append(errs, ValidationError{
			Field:   "AMQP_URL",
			Message: "required",
		})
	}

	if cfg.StageName == "" {
		errs = append(errs, ValidationError{
			Field:   "STAGE_NAME",
			Message: "required",
		})
	}

	if cfg.PrevStage == "" {
		errs = append(errs, ValidationError{
			Field:   "PREV_STAGE",
			Message: "required",
		})
	}

	// Credentialed stages need both sides of the protocol configured.
	if !cfg.NoCredentials {
		if cfg.JWTSecret == "" {
			errs = append(errs, ValidationError{
				Field:   "JWT_SECRET",
				Message: "required unless NO_CREDENTIALS=true",
			})
		}
		if cfg.CredentialsKeysFile == "" {
			errs = append(errs, ValidationError{
				Field:   "CREDENTIALS_KEYS_FILE",
				Message: "required unless NO_CREDENTIALS=true",
			})
		}
	}

	if cfg.HTTPShutdownTimeoutStr != "" {
		d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "HTTP_SHUTDOWN_TIMEOUT",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "HTTP_SHUTDOWN_TIMEOUT",
				Message: "must be positive",
			})
		}
	}

	if cfg.JanitorMaxAgeStr != "" {
		d, err := time.ParseDuration(cfg.JanitorMaxAgeStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "JANITOR_MAX_AGE",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "JANITOR_MAX_AGE",
				Message: "must be positive",
			})
		}
	}

	if cfg.JanitorEnabled {
		if _, err := cron.ParseStandard(cfg.JanitorSchedule); err != nil {
			errs = append(errs, ValidationError{
				Field:   "JANITOR_SCHEDULE",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}

	if cfg.CircuitBreakerCooldownStr != "" {
		if _, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "CIRCUIT_BREAKER_COOLDOWN",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
