package validator

import (
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

var namespaceRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// isNamespace checks if a string is usable as an unquoted PostgreSQL schema name.
func isNamespace(fl validator.FieldLevel) bool {
	return namespaceRegex.MatchString(fl.Field().String())
}

// isErrorAction checks if a string parses as an error-code table action.
func isErrorAction(fl validator.FieldLevel) bool {
	_, err := keypool.ParseErrorAction(fl.Field().String())
	return err == nil
}

// RegisterCustomValidators registers custom validation functions with the validator.
func RegisterCustomValidators(validate *validator.Validate) error {
	if err := validate.RegisterValidation("namespace", isNamespace); err != nil {
		return err
	}
	return validate.RegisterValidation("erroraction", isErrorAction)
}
