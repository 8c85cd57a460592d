package validators

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

// ValidateEmail checks the address syntax. An empty value is invalid; pair
// it with a presence check for optional fields.
func ValidateEmail(value, fieldName string) *ValidationResult {
	name := ToUserFriendlyName(fieldName)
	if value == "" {
		return invalid(fieldName, ValidationCodeRequired, fmt.Sprintf("%s is required.", name))
	}
	if !govalidator.IsEmail(value) {
		return invalid(fieldName, ValidationCodeInvalid,
			fmt.Sprintf("Please enter a valid %s, e.g. 'name@example.com'.", name))
	}
	return valid(fieldName)
}
