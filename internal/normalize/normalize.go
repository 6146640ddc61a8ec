// Package normalize canonicalizes inbound contact identifiers into the
// stable lookup keys used to match senders against existing leads.
package normalize

import (
	"errors"
	"strings"

	"leadsync-service/internal/model"
)

var (
	// ErrEmptyIdentity is returned when the raw identifier has no usable content.
	ErrEmptyIdentity = errors.New("normalize: empty identity")
	// ErrUnsupportedIdentity is returned for phone numbers outside the
	// tenant's home numbering plan (international or malformed numbers).
	ErrUnsupportedIdentity = errors.New("normalize: unsupported identity format")
)

// jidSuffixes are the WhatsApp JID domains appended to phone identities by
// Evolution-style payloads ("5511987654321@s.whatsapp.net").
var jidSuffixes = []string{"@s.whatsapp.net", "@g.us", "@lid", "@broadcast"}

// Identity canonicalizes a raw contact identifier for the given provider.
//
// Telephony providers: non-digits are stripped; a leading home country
// calling code on numbers of length >= 12 is removed; only home-format
// results of length 10 or 11 are accepted. Re-normalizing an already
// home-format number is a no-op.
//
// Platform providers (facebook, instagram): the platform-scoped sender ID
// is used verbatim, trimmed of surrounding whitespace.
func Identity(raw string, provider model.Provider, countryCode string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyIdentity
	}

	if !provider.Telephony() {
		return raw, nil
	}

	for _, suffix := range jidSuffixes {
		if strings.HasSuffix(raw, suffix) {
			raw = strings.TrimSuffix(raw, suffix)
			break
		}
	}

	digits := digitsOnly(raw)
	if digits == "" {
		return "", ErrEmptyIdentity
	}

	if countryCode != "" && strings.HasPrefix(digits, countryCode) && len(digits) >= 12 {
		digits = digits[len(countryCode):]
	}

	if len(digits) != 10 && len(digits) != 11 {
		return "", ErrUnsupportedIdentity
	}
	return digits, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
