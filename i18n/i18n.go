// Package i18n resolves translation keys and multilanguage objects for
// plugins and renderers. The catalog maps keys to per-language strings;
// resolution walks current locale, base language, then any non-empty
// value.
package i18n

import (
	"fmt"
	"strings"
	"sync"
)

type (
	// Multilang is a per-language string set, e.g.
	// {"en": "Battery low", "de": "Batterie schwach"}.
	Multilang map[string]string

	// Translator resolves keys against a catalog. Thread-safe; the
	// catalog and locales can be swapped at runtime.
	Translator struct {
		mu      sync.RWMutex
		current string
		base    string
		catalog map[string]Multilang
	}
)

// DefaultBase is the fallback language when none is configured.
const DefaultBase = "en"

// New returns a translator for the given locales. Empty locales fall
// back to DefaultBase.
func New(current, base string) *Translator {
	if base == "" {
		base = DefaultBase
	}
	if current == "" {
		current = base
	}
	return &Translator{
		current: current,
		base:    base,
		catalog: make(map[string]Multilang),
	}
}

// Load merges entries into the catalog, replacing existing keys.
func (t *Translator) Load(entries map[string]Multilang) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range entries {
		m := make(Multilang, len(v))
		for lang, s := range v {
			m[lang] = s
		}
		t.catalog[k] = m
	}
}

// SetLocale switches the current locale.
func (t *Translator) SetLocale(current string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current != "" {
		t.current = current
	}
}

// Locale returns the current locale.
func (t *Translator) Locale() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// T resolves key and substitutes %s placeholders with args in order.
// Unknown keys return the key itself so missing catalog entries stay
// visible instead of blank.
func (t *Translator) T(key string, args ...any) string {
	t.mu.RLock()
	entry, ok := t.catalog[key]
	t.mu.RUnlock()

	text := key
	if ok {
		if resolved := t.Resolve(entry); resolved != "" {
			text = resolved
		}
	}
	if len(args) == 0 {
		return text
	}
	if strings.Count(text, "%s") < len(args) {
		// Append overflow args rather than dropping them.
		text += strings.Repeat(" %s", len(args)-strings.Count(text, "%s"))
	}
	anys := make([]any, len(args))
	for i, a := range args {
		anys[i] = fmt.Sprint(a)
	}
	return fmt.Sprintf(text, anys...)
}

// Resolve picks the best string from a multilanguage value: current
// locale, then base language, then any non-empty value in stable order.
func (t *Translator) Resolve(v Multilang) string {
	t.mu.RLock()
	current, base := t.current, t.base
	t.mu.RUnlock()

	if s := v[current]; s != "" {
		return s
	}
	if s := v[base]; s != "" {
		return s
	}
	// Deterministic pick: smallest language tag with a value.
	var bestLang, bestVal string
	for lang, s := range v {
		if s == "" {
			continue
		}
		if bestLang == "" || lang < bestLang {
			bestLang, bestVal = lang, s
		}
	}
	return bestVal
}

// Translate accepts either a plain string or a multilanguage value and
// resolves it to a display string.
func (t *Translator) Translate(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case Multilang:
		return t.Resolve(val)
	case map[string]string:
		return t.Resolve(Multilang(val))
	case map[string]any:
		m := make(Multilang, len(val))
		for lang, raw := range val {
			if s, ok := raw.(string); ok {
				m[lang] = s
			}
		}
		return t.Resolve(m)
	default:
		return fmt.Sprint(v)
	}
}
