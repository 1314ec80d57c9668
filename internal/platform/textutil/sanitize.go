package textutil

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	notePolicyOnce sync.Once
	notePolicy     *bluemonday.Policy
)

// SanitizeNote strips all HTML from free-form note text and collapses surrounding whitespace.
// Order notes and refund reasons are rendered in back-office views, so markup is never allowed.
func SanitizeNote(value string) string {
	notePolicyOnce.Do(func() {
		notePolicy = bluemonday.StrictPolicy()
	})
	return strings.TrimSpace(notePolicy.Sanitize(value))
}
