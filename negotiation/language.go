// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package negotiation

import "strings"

// Language is a language tag split into its primary tag and sub-tags,
// as in "en-US".  The zero Language means no language.
type Language struct {
	Primary string
	Subtags []string
}

// AllLanguages is the wildcard language "*".
var AllLanguages = Language{Primary: "*"}

// ParseLanguage splits a tag like "en-US" into its parts.  Tags are
// compared case-insensitively, so they are stored lowercased.
func ParseLanguage(tag string) Language {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return Language{}
	}
	parts := strings.Split(tag, "-")
	lang := Language{Primary: parts[0]}
	if len(parts) > 1 {
		lang.Subtags = parts[1:]
	}
	return lang
}

// IsZero says whether this is the empty language.
func (l Language) IsZero() bool { return l.Primary == "" }

// Equal compares two languages tag by tag.
func (l Language) Equal(other Language) bool {
	return l.Primary == other.Primary && sameTags(l.Subtags, other.Subtags)
}

func (l Language) String() string {
	if len(l.Subtags) == 0 {
		return l.Primary
	}
	return l.Primary + "-" + strings.Join(l.Subtags, "-")
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// languageScore scores a preference against a variant's language.
// ok is false if the preference cannot apply at all.
func languageScore(pref, variant Language) (score int, ok bool) {
	switch pref.Primary {
	case variant.Primary:
		score = 100
	case "*":
		score = 1
	default:
		return 0, false
	}
	switch {
	case len(pref.Subtags) > 0 && len(variant.Subtags) > 0:
		if !sameTags(pref.Subtags, variant.Subtags) {
			return 0, false
		}
		score += 10
	case len(pref.Subtags) == 0 && len(variant.Subtags) == 0:
		score += 10
	}
	return score, true
}
