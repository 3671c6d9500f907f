package airtable

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// APIError is a structured error from the sheet API. Type carries the
// machine-readable reason when the API provides one (e.g.
// UNKNOWN_FIELD_NAME, INVALID_VALUE_FOR_COLUMN).
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// parseAPIError decodes the two error body shapes the API uses:
// {"error":{"type":..,"message":..}} and {"error":"NOT_FOUND"}.
func parseAPIError(status int, body []byte) error {
	var structured struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &structured) == nil && (structured.Error.Type != "" || structured.Error.Message != "") {
		return &APIError{StatusCode: status, Type: structured.Error.Type, Message: structured.Error.Message}
	}

	var bare struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &bare) == nil && bare.Error != "" {
		return &APIError{StatusCode: status, Type: bare.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// isUnknownField reports whether err is the 422 rejection for a field name
// the sheet does not know, which is recoverable by re-keying the payload
// with field ids.
func isUnknownField(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Type == "UNKNOWN_FIELD_NAME" {
		return true
	}
	return strings.Contains(apiErr.Message, "Unknown field name")
}

// fieldNamePatterns extract offending field names from human-readable error
// messages. The sheet API does not structure per-field errors, so message
// scanning is the only recovery path.
var fieldNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`Field "([^"]+)" cannot accept the provided value`),
	regexp.MustCompile(`Invalid value for field "([^"]+)"`),
	regexp.MustCompile(`Field "([^"]+)" cannot accept a value because the field is computed`),
	regexp.MustCompile(`Unknown field name: "([^"]+)"`),
	regexp.MustCompile(`insufficient permissions to create new select option "[^"]*" in field "([^"]+)"`),
}

// extractFieldNames returns the field names referenced by a write rejection,
// or nil when the message matches no known pattern.
func extractFieldNames(err error) []string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	var names []string
	seen := make(map[string]bool)
	for _, re := range fieldNamePatterns {
		for _, m := range re.FindAllStringSubmatch(apiErr.Message, -1) {
			if len(m) > 1 && !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

// IsInvalidValue reports whether err is a per-field value rejection that was
// (or could be) recovered by dropping the named fields.
func IsInvalidValue(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 422 && !isUnknownField(err)
}

// IsUnknownField is the exported form of isUnknownField for error
// classification outside the adapter.
func IsUnknownField(err error) bool { return isUnknownField(err) }
