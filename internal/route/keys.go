package route

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lsm/relay/internal/update"
)

// ByKind classifies by the explicit category tag the producer attached
// to the update. This is the preferred classifier: the tag is a closed
// set and needs no inspection of the payload shape.
func ByKind() Classifier {
	return func(u update.Update) (string, error) {
		if u.Kind == "" {
			return "", fmt.Errorf("update carries no kind tag")
		}
		return u.Kind, nil
	}
}

// FirstKeyOf classifies by the first of the given keys present in the
// update's fields. Compatibility shim for producers that signal the
// category by payload shape rather than an explicit tag.
func FirstKeyOf(keys ...string) Classifier {
	return func(u update.Update) (string, error) {
		for _, k := range keys {
			if _, ok := u.Fields[k]; ok {
				return k, nil
			}
		}
		return "", fmt.Errorf("none of %v present in update", keys)
	}
}

// ByCommand classifies a text update by its leading command: the first
// separator-delimited token of the named field, with a recognized
// prefix stripped. Text without a command prefix classifies to the
// empty key, distinct from any real command.
func ByCommand(field string, prefixes ...string) Classifier {
	if len(prefixes) == 0 {
		prefixes = []string{"/"}
	}
	return func(u update.Update) (string, error) {
		text, ok := u.Fields[field].(string)
		if !ok {
			return "", fmt.Errorf("field %q is not a string", field)
		}
		for _, px := range prefixes {
			if rest, found := strings.CutPrefix(text, px); found {
				cmd, _, _ := strings.Cut(rest, " ")
				return cmd, nil
			}
		}
		return "", nil
	}
}

// ByRegex classifies by a capture group of a pattern matched against
// the named field. Non-matching text classifies to the empty key.
func ByRegex(field string, pattern *regexp.Regexp, group int) Classifier {
	return func(u update.Update) (string, error) {
		text, ok := u.Fields[field].(string)
		if !ok {
			return "", fmt.Errorf("field %q is not a string", field)
		}
		m := pattern.FindStringSubmatch(text)
		if m == nil || group >= len(m) {
			return "", nil
		}
		return m[group], nil
	}
}

// LowerKey wraps a classifier to lowercase its key.
func LowerKey(c Classifier) Classifier {
	return func(u update.Update) (string, error) {
		key, err := c(u)
		return strings.ToLower(key), err
	}
}

// UpperKey wraps a classifier to uppercase its key.
func UpperKey(c Classifier) Classifier {
	return func(u update.Update) (string, error) {
		key, err := c(u)
		return strings.ToUpper(key), err
	}
}
