package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/timmy/imagenary/internal/domain"
)

// MaxPromptRunes caps prompt length; providers reject longer prompts anyway.
const MaxPromptRunes = 4000

// ValidatePrompt rejects prompts that must never reach a provider.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return domain.NewError(domain.KindValidation, "validate", domain.ErrEmptyPrompt)
	}
	if n := utf8.RuneCountInString(prompt); n > MaxPromptRunes {
		return domain.NewError(domain.KindValidation, "validate",
			fmt.Errorf("prompt is too long: %d characters, max %d", n, MaxPromptRunes))
	}
	return nil
}

func normalizeWhitespace(text string) string {
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

// normalizePrompt is the text prompts are compared by: lower case with runs
// of whitespace collapsed.
func normalizePrompt(prompt string) string {
	return strings.ToLower(normalizeWhitespace(prompt))
}

// Fingerprint identifies prompts that must share one in-flight generation.
func Fingerprint(prompt string) string {
	sum := sha256.Sum256([]byte(normalizePrompt(prompt)))
	return hex.EncodeToString(sum[:])
}
