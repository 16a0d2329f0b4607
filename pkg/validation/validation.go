package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex matches room ids: uuids in practice, but any
	// topic-safe token is accepted.
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ParticipantIDRegex matches participant ids. Dashes are allowed since
	// element ids split on the last one only.
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const (
	MaxIDLength          = 100
	MaxDisplayNameLength = 64
	MaxRoomNameLength    = 100
	MaxPromptLength      = 4000
)

func ValidateRoomID(id string) error {
	if id == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("room ID is too long (max %d characters)", MaxIDLength)
	}
	if !RoomIDRegex.MatchString(id) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("participant ID is too long (max %d characters)", MaxIDLength)
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateRoomName accepts an empty name; the room store fills in a
// default one.
func ValidateRoomName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("room name contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(name), 0, MaxRoomNameLength, "room name")
}

func ValidateDisplayName(name string) error {
	if err := ValidateNonEmptyString(name, "display name"); err != nil {
		return err
	}
	return ValidateStringLength(strings.TrimSpace(name), 1, MaxDisplayNameLength, "display name")
}

func ValidatePrompt(prompt string) error {
	if err := ValidateNonEmptyString(prompt, "prompt"); err != nil {
		return err
	}
	return ValidateStringLength(prompt, 1, MaxPromptLength, "prompt")
}

// ValidateURL checks for an absolute http(s) or ws(s) URL.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
