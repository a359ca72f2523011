// Package attrs builds slog attributes for applicant identifiers so log lines
// never carry a full national ID or mobile number.
package attrs

import (
	"log/slog"
	"strings"
)

// Mask keeps the first keep runes of v and stars the rest.
func Mask(v string, keep int) string {
	r := []rune(v)
	if len(r) <= keep {
		return strings.Repeat("*", len(r))
	}
	return string(r[:keep]) + strings.Repeat("*", len(r)-keep)
}

// IDNumber is the masked national ID number: birth date digits only.
func IDNumber(v string) slog.Attr {
	return slog.String("id_number", Mask(v, 6))
}

// Mobile is the masked mobile number: prefix only.
func Mobile(v string) slog.Attr {
	return slog.String("mobile", Mask(v, 3))
}
