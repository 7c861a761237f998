// Package i18n picks message printers for CLI output and API responses.
package i18n

import (
	"context"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages number formatting is matched against.
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

type contextKey struct{}

var printerKey = contextKey{}

// MatchLanguage returns the best supported language for an Accept-Language
// header value.
func MatchLanguage(acceptLang string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLang)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// WithPrinter returns a new context with the printer injected
func WithPrinter(ctx context.Context, p *message.Printer) context.Context {
	return context.WithValue(ctx, printerKey, p)
}

// GetPrinter returns the printer from the context, or a default one
func GetPrinter(ctx context.Context) *message.Printer {
	p, ok := ctx.Value(printerKey).(*message.Printer)
	if !ok {
		return message.NewPrinter(DefaultLang)
	}
	return p
}

// NewCLIPrinter returns a printer for the locale named by LC_ALL or LANG.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(localeTag(os.Getenv("LC_ALL"), os.Getenv("LANG")))
}

// localeTag maps POSIX locale names such as "de_DE.UTF-8" onto a supported
// language.
func localeTag(vars ...string) language.Tag {
	var lang string
	for _, v := range vars {
		if v != "" {
			lang = v
			break
		}
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return DefaultLang
	}
	if i := strings.IndexAny(lang, ".@"); i != -1 {
		lang = lang[:i]
	}
	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return MatchLanguage(lang)
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}
