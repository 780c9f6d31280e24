package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DefaultMaxMessageLength bounds outgoing text in runes.
const DefaultMaxMessageLength = 2000

// TextValidator checks outgoing text before any side effect.
type TextValidator struct {
	maxLength    int
	blockedTerms []string
}

// NewTextValidator builds a validator. maxLength <= 0 selects DefaultMaxMessageLength.
func NewTextValidator(maxLength int, blockedTerms []string) *TextValidator {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	terms := make([]string, 0, len(blockedTerms))
	for _, term := range blockedTerms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			terms = append(terms, term)
		}
	}
	return &TextValidator{maxLength: maxLength, blockedTerms: terms}
}

// Validate returns the trimmed text or a *ValidationError.
func (v *TextValidator) Validate(text string) (string, error) {
	trimmed := strings.TrimSpace(text)

	err := validation.Validate(trimmed,
		validation.Required.Error("message cannot be empty"),
		validation.RuneLength(1, v.maxLength).Error(fmt.Sprintf("message must be at most %d characters", v.maxLength)),
		validation.By(noControlCharacters),
		validation.By(v.noBlockedTerms),
	)
	if err != nil {
		return "", &ValidationError{Message: err.Error()}
	}
	return trimmed, nil
}

func noControlCharacters(value interface{}) error {
	s, _ := value.(string)
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return errors.New("message contains unsupported characters")
		}
	}
	return nil
}

func (v *TextValidator) noBlockedTerms(value interface{}) error {
	s, _ := value.(string)
	lower := strings.ToLower(s)
	for _, term := range v.blockedTerms {
		if strings.Contains(lower, term) {
			return errors.New("message contains disallowed content")
		}
	}
	return nil
}

type sessionKey struct {
	UserID   string `json:"userId"`
	AvatarID string `json:"avatarId"`
}

func (k sessionKey) validate() error {
	err := validation.ValidateStruct(&k,
		validation.Field(&k.UserID, validation.Required),
		validation.Field(&k.AvatarID, validation.Required),
	)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}
