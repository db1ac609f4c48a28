package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func Validate(config interface{}) error {
	return errors.WithStack(validator.New().Struct(config))
}

// LogValidationErrors logs one line per invalid field, named by its path below the root struct.
func LogValidationErrors(err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return
	}
	for _, fieldErr := range validationErrors {
		field := fieldErr.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		logger := log.WithField("field", field)
		switch fieldErr.Tag() {
		case "required":
			logger.Error("ConfigError: field is required but was not found")
		case "oneof":
			logger.Errorf("ConfigError: %v must be one of %s", fieldErr.Value(), fieldErr.Param())
		default:
			logger.Errorf("ConfigError: %v does not satisfy %s=%s", fieldErr.Value(), fieldErr.Tag(), fieldErr.Param())
		}
	}
}
