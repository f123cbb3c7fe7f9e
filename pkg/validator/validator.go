package validator

import (
	"encoding/hex"

	"github.com/go-playground/validator/v10"
)

// isHexKey checks that a string decodes to a 32-byte key.
func isHexKey(fl validator.FieldLevel) bool {
	b, err := hex.DecodeString(fl.Field().String())
	return err == nil && len(b) == 32
}

// RegisterCustomValidators registers custom validation functions with the validator.
func RegisterCustomValidators(validate *validator.Validate) error {
	return validate.RegisterValidation("hexkey", isHexKey)
}
