package textutil

import (
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FormatAmount renders a minor-unit amount for human-facing notification
// payloads. The locale tag is optional; invalid or empty tags fall back to
// English. Arithmetic elsewhere stays in int64 minor units.
func FormatAmount(tag string, code string, minor int64) string {
	lang := language.English
	if tag != "" {
		if parsed, err := language.Parse(tag); err == nil {
			lang = parsed
		}
	}

	unit, err := currency.ParseISO(code)
	if err != nil {
		return message.NewPrinter(lang).Sprintf("%d", minor)
	}

	scale, _ := currency.Cash.Rounding(unit)
	major := float64(minor)
	for i := 0; i < scale; i++ {
		major /= 10
	}

	printer := message.NewPrinter(lang)
	return printer.Sprintf("%v", currency.Symbol(unit.Amount(major)))
}
