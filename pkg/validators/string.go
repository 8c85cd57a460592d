package validators

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ToUserFriendlyName turns snake_case field names into words:
// "first_name" becomes "First name".
func ToUserFriendlyName(fieldName string) string {
	if fieldName == "" {
		return fieldName
	}
	words := strings.ReplaceAll(strings.ToLower(fieldName), "_", " ")
	return strings.ToUpper(words[:1]) + words[1:]
}

// ValidateRequired fails on an empty or blank value.
func ValidateRequired(value, fieldName string) *ValidationResult {
	if strings.TrimSpace(value) == "" {
		return invalid(fieldName, ValidationCodeRequired,
			fmt.Sprintf("%s is required.", ToUserFriendlyName(fieldName)))
	}
	return valid(fieldName)
}

// ValidateStringLength checks the length in characters, not bytes.
func ValidateStringLength(value, fieldName string, minLength, maxLength int) *ValidationResult {
	name := ToUserFriendlyName(fieldName)
	n := utf8.RuneCountInString(value)
	switch {
	case n < minLength:
		return invalid(fieldName, ValidationCodeInvalid,
			fmt.Sprintf("%s must be at least %d characters long.", name, minLength))
	case n > maxLength:
		return invalid(fieldName, ValidationCodeInvalid,
			fmt.Sprintf("%s must be no more than %d characters long.", name, maxLength))
	}
	return valid(fieldName)
}
