package posts

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 16384 // max encoded payload size
	MaxContentChars = 4000  // max character count per post
)

// ValidateContent checks that post content meets the wire requirements.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("post content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("post exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("post exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("post contains invalid UTF-8")
	}
	return nil
}
