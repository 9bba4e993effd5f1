package security

import (
	"errors"
	"regexp"
	"strings"
)

// MaxMessageLen bounds one chat message in characters.
const MaxMessageLen = 500

var (
	ErrEmptyMessage     = errors.New("message empty")
	ErrMessageTooLong   = errors.New("message too long")
	ErrDangerousContent = errors.New("message contains dangerous content")
)

// dangerousPatterns is the fixed reject list: markup injection, script URIs,
// inline handlers, eval, and the common SQL injection shapes.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)<iframe`),
	regexp.MustCompile(`(?i)<object`),
	regexp.MustCompile(`(?i)<embed`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bunion\s+select\b`),
	regexp.MustCompile(`(?i)\bdrop\s+table\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b`),
}

var profanityWords = []string{
	"fuck",
	"shit",
	"bitch",
	"asshole",
	"bastard",
	"cunt",
	"dick",
	"slut",
	"whore",
}

var profanityRe = regexp.MustCompile(`(?i)\b(` + strings.Join(profanityWords, "|") + `)\b`)

// ValidateMessage enforces the content policy on one chat message. On
// acceptance it returns the message with profanity masked by asterisks of
// equal length; masking is idempotent.
func ValidateMessage(s string) (string, error) {
	return validateMessage(s, MaxMessageLen)
}

func validateMessage(s string, maxLen int) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", ErrEmptyMessage
	}
	if len([]rune(s)) > maxLen {
		return "", ErrMessageTooLong
	}
	for _, re := range dangerousPatterns {
		if re.MatchString(s) {
			return "", ErrDangerousContent
		}
	}
	filtered := profanityRe.ReplaceAllStringFunc(s, func(w string) string {
		return strings.Repeat("*", len([]rune(w)))
	})
	return filtered, nil
}

// ValidateMessage applies the content policy with the manager's configured
// length cap.
func (m *Manager) ValidateMessage(s string) (string, error) {
	return validateMessage(s, m.cfg.MaxMessageLen)
}
