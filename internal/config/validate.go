// Package config loads and validates the YAML configuration consumed by
// cmd/lazysocksctl.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/craigderington/lazysocks/pkg/types"
)

var validate = validator.New()

// FieldError is a single human-readable validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Load unmarshals viper's current configuration into a TunnelConfig and
// validates it, returning human-readable field errors on failure.
func Load() (*types.TunnelConfig, error) {
	var cfg types.TunnelConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Message
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return &cfg, nil
}

// Validate runs struct tag validation over cfg and returns a
// human-readable FieldError per failing field.
func Validate(cfg *types.TunnelConfig) []FieldError {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(validationErrs))
	for _, e := range validationErrs {
		out = append(out, FieldError{Field: e.Field(), Message: formatFieldError(e)})
	}
	return out
}

func formatFieldError(e validator.FieldError) string {
	field := e.Field()
	tag := e.Tag()
	param := e.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, param)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
