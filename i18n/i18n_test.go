package i18n

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testTranslator() *Translator {
	tr := New("de", "en")
	tr.Load(map[string]Multilang{
		"battery.low":  {"en": "Battery low", "de": "Batterie schwach"},
		"door.open":    {"en": "Door open"},
		"only.ru":      {"ru": "Дверь открыта"},
		"greeting":     {"en": "Hello %s", "de": "Hallo %s"},
		"empty.values": {"en": "", "de": ""},
	})
	return tr
}

func TestNewDefaults(t *testing.T) {
	tr := New("", "")
	require.Equal(t, DefaultBase, tr.Locale())

	tr = New("", "ru")
	require.Equal(t, "ru", tr.Locale())
}

func TestResolutionOrder(t *testing.T) {
	tr := testTranslator()

	// Current locale wins.
	require.Equal(t, "Batterie schwach", tr.T("battery.low"))
	// Base language fills gaps.
	require.Equal(t, "Door open", tr.T("door.open"))
	// Any non-empty value beats returning nothing.
	require.Equal(t, "Дверь открыта", tr.T("only.ru"))
	// Unknown keys stay visible.
	require.Equal(t, "nope.key", tr.T("nope.key"))
	// All-empty entries fall back to the key too.
	require.Equal(t, "empty.values", tr.T("empty.values"))
}

func TestSetLocale(t *testing.T) {
	tr := testTranslator()
	tr.SetLocale("en")
	require.Equal(t, "en", tr.Locale())
	require.Equal(t, "Battery low", tr.T("battery.low"))

	// Empty locale is ignored.
	tr.SetLocale("")
	require.Equal(t, "en", tr.Locale())
}

func TestSubstitution(t *testing.T) {
	tr := testTranslator()

	require.Equal(t, "Hallo Küche", tr.T("greeting", "Küche"))
	// Non-string args are coerced.
	require.Equal(t, "Hallo 42", tr.T("greeting", 42))
	// Overflow args are appended, not dropped.
	require.Equal(t, "Hallo a b", tr.T("greeting", "a", "b"))
	require.Equal(t, "Door open x", tr.T("door.open", "x"))
}

func TestLoadReplacesKeys(t *testing.T) {
	tr := testTranslator()
	tr.Load(map[string]Multilang{"battery.low": {"de": "Akku fast leer"}})
	require.Equal(t, "Akku fast leer", tr.T("battery.low"))
}

func TestTranslate(t *testing.T) {
	tr := testTranslator()

	require.Equal(t, "plain", tr.Translate("plain"))
	require.Equal(t, "Batterie schwach", tr.Translate(Multilang{"en": "Battery low", "de": "Batterie schwach"}))
	require.Equal(t, "Battery low", tr.Translate(map[string]string{"en": "Battery low"}))
	require.Equal(t, "Battery low", tr.Translate(map[string]any{"en": "Battery low", "junk": 7}))
	require.Equal(t, "42", tr.Translate(42))
}
