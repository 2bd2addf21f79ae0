package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxIDLength   = 128
	maxIDsPerCall = 200
	maxNameLength = 256
)

// ValidateID validates a path or query identifier. Conversation and
// message ids are opaque backend keys, so only their shape is checked.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s id exceeds maximum length", kind)
	}
	if !utf8.ValidString(id) || strings.ContainsAny(id, " \t\r\n/") {
		return fmt.Errorf("invalid %s id format", kind)
	}
	return nil
}

// ParseIDs splits a comma separated id list and validates each entry.
func ParseIDs(kind, raw string) ([]string, error) {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := ValidateID(kind, id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one %s id is required", kind)
	}
	if len(ids) > maxIDsPerCall {
		return nil, fmt.Errorf("too many %s ids", kind)
	}
	return ids, nil
}

// ValidateName validates a conversation name.
func ValidateName(name string) error {
	if len(name) > maxNameLength {
		return errors.New("name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("name must be valid UTF-8")
	}
	return nil
}
