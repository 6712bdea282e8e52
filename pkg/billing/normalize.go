package billing

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeEmail trims and Unicode case-folds an address so that lookups
// match regardless of the case the provider or the user typed it in.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	// Casers keep state and are not shared between goroutines.
	return cases.Fold().String(email)
}
