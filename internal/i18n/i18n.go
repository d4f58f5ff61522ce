// Package i18n holds the user-facing strings of chatsync (English and
// Simplified Chinese) keyed by dotted message ids.
package i18n

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

const fallbackLocale = "en"

// catalogs maps a normalized locale to its messages. English is the fallback
// for keys a catalog lacks.
var catalogs = map[string]map[string]string{
	"en":    EnMessages,
	"zh-CN": ZhCNMessages,
}

// I18n 某个 locale 的只读翻译表
// I18n is an immutable translator for one locale
type I18n struct {
	locale  string
	primary map[string]string
}

var global atomic.Pointer[I18n]

// Global returns the process translator, detecting the locale on first use.
func Global() *I18n {
	if g := global.Load(); g != nil {
		return g
	}
	global.CompareAndSwap(nil, New(""))
	return global.Load()
}

// Init replaces the process translator; an empty locale is detected from the
// environment.
func Init(locale string) {
	global.Store(New(locale))
}

// T translates key with the process translator.
func T(key string, args ...any) string {
	return Global().T(key, args...)
}

// New builds a translator. Unknown locales keep their name but translate
// through the English catalog.
func New(locale string) *I18n {
	if strings.TrimSpace(locale) == "" {
		locale = DetectLocale()
	}
	locale = normalizeLocale(locale)
	return &I18n{locale: locale, primary: catalogs[locale]}
}

// T 翻译 key；缺失时依次回退到英文和 key 本身
// T translates key, falling back to English and then to the key itself
func (i *I18n) T(key string, args ...any) string {
	tmpl, ok := i.primary[key]
	if !ok {
		if tmpl, ok = catalogs[fallbackLocale][key]; !ok {
			return key
		}
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

func (i *I18n) Locale() string {
	return i.locale
}

// DetectLocale reads CHATSYNC_LANG, then the usual POSIX locale variables.
func DetectLocale() string {
	for _, env := range []string{"CHATSYNC_LANG", "LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" && v != "C" && v != "POSIX" {
			return normalizeLocale(v)
		}
	}
	return fallbackLocale
}

// normalizeLocale turns "zh_CN.UTF-8" into "zh-CN". Any Chinese variant maps
// to zh-CN and any English variant to en.
func normalizeLocale(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), ".")
	s = strings.ReplaceAll(s, "_", "-")
	switch lower := strings.ToLower(s); {
	case s == "":
		return fallbackLocale
	case strings.HasPrefix(lower, "zh"):
		return "zh-CN"
	case strings.HasPrefix(lower, "en"):
		return fallbackLocale
	}
	return s
}
