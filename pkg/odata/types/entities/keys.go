package entities

import (
	"fmt"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/types/edm"
)

// Key is the ordered tuple of key property values of an entity. Single valued keys are
// a Key of length one.
type Key []any

func K(values ...any) Key {
	return Key(values)
}

func (k Key) String() string {
	parts := make([]string, 0, len(k))
	for _, v := range k {
		parts = append(parts, edm.FormatLiteral(v))
	}
	return strings.Join(parts, ",")
}

func KeyEqual(a, b Key) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] == nil || b[i] == nil {
			return false
		}

		_, ta := edm.FormatValue(a[i])
		_, tb := edm.FormatValue(b[i])

		if ta != tb {
			return false
		}
	}

	return true
}

var keyEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "?", "%3F", "#", "%23", " ", "%20")

// FormatKey returns the parenthesised key predicate used to address a single entity,
// (1) for simple keys and (A=1,B='x') for composite ones
func FormatKey(names []string, key Key) (string, error) {
	if len(names) != len(key) {
		return "", fmt.Errorf("key has %d values but %d were expected", len(key), len(names))
	}

	for i, v := range key {
		if v == nil {
			return "", fmt.Errorf("key property %s is not set", names[i])
		}
	}

	if len(key) == 1 {
		return "(" + keyEscaper.Replace(edm.FormatLiteral(key[0])) + ")", nil
	}

	parts := make([]string, 0, len(key))
	for i, v := range key {
		parts = append(parts, names[i]+"="+keyEscaper.Replace(edm.FormatLiteral(v)))
	}

	return "(" + strings.Join(parts, ",") + ")", nil
}

// KeyPredicate returns a filter expression that selects the entity with the given key
func KeyPredicate(names []string, key Key) (string, error) {
	if len(names) != len(key) {
		return "", fmt.Errorf("key has %d values but %d were expected", len(key), len(names))
	}

	parts := make([]string, 0, len(key))
	for i, v := range key {
		parts = append(parts, names[i]+" eq "+edm.FormatLiteral(v))
	}

	return strings.Join(parts, " and "), nil
}
