package utils

import (
	"strings"
	"time"

	"github.com/badoux/checkmail"
)

// ValidateContactEmail runs the advisory syntax+MX check whose result a
// Contact stores in MXValid. Nothing in this engine calls it; Contact rows
// are created externally. A false result never blocks scheduling — the
// sequence processor only logs a warning for it; the trimmed-down
// counterpart of utils/verifier.go's full bulk-verification subsystem
// (typo suggestion, disposable-domain list, SMTP handshake probing,
// WHOIS), none of which this engine's contact model needs.
func ValidateContactEmail(email string) (valid bool, checkedAt time.Time) {
	email = strings.ToLower(strings.TrimSpace(email))
	checkedAt = time.Now()

	if err := checkmail.ValidateFormat(email); err != nil {
		return false, checkedAt
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false, checkedAt
	}

	if err := checkmail.ValidateHost(parts[1]); err != nil {
		return false, checkedAt
	}

	return true, checkedAt
}
