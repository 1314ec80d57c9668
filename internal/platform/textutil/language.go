package textutil

import (
	"errors"
	"strings"

	"golang.org/x/text/language"
)

// ErrInvalidLanguageTag reports an unparseable BCP 47 language tag.
var ErrInvalidLanguageTag = errors.New("textutil: invalid language tag")

// NormalizeLanguageTag canonicalises a BCP 47 language tag. Empty input returns an empty tag.
func NormalizeLanguageTag(tag string) (string, error) {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return "", nil
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return "", errors.Join(ErrInvalidLanguageTag, err)
	}
	return parsed.String(), nil
}
