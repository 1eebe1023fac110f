// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package negotiation picks the best representation of a resource for
// a caller's language and media-type preferences.
//
// Each variant is scored in two stages.  Every language preference
// is matched against the variant's language: an exact primary tag
// scores 100, the wildcard "*" scores 1, and matching (or mutually
// absent) sub-tags add 10, while conflicting sub-tags rule the
// preference out.  Media types work the same way with 1000 for the
// type, 100 for the subtype and 1 per matching parameter.  The
// highest-scoring compatible preference of each kind supplies a
// quality, and the variant's final quality is ten times the language
// quality plus the media-type quality.  The variant with the strictly
// greatest final quality wins, so the first of several equal
// variants is chosen.
package negotiation

import (
	"time"

	"github.com/diffeo/go-httpway/message"
)

// LanguagePreference is one entry of Accept-Language.
type LanguagePreference struct {
	Language Language
	Quality  float64
}

// MediaPreference is one entry of Accept.
type MediaPreference struct {
	MediaType MediaType
	Quality   float64
}

// Preferences are a caller's ordered preferences.  An empty list
// accepts anything.
type Preferences struct {
	Languages  []LanguagePreference
	MediaTypes []MediaPreference
}

// Variant is one available representation of a resource.
type Variant struct {
	// Language is the variant's language, or zero if it has none.
	Language Language

	// MediaType is the variant's type, or zero if it has none.
	MediaType MediaType

	// Modified is when the variant last changed, if known.
	Modified time.Time

	// Value is the representation itself, for the caller's use.
	Value interface{}
}

// fallbackQuality is what a variant in the fallback language, or a
// variant with no requirement, earns in place of a preference.
const fallbackQuality = 1.0

func (p Preferences) languages() []LanguagePreference {
	if len(p.Languages) == 0 {
		return []LanguagePreference{{Language: AllLanguages, Quality: 1}}
	}
	return p.Languages
}

func (p Preferences) mediaTypes() []MediaPreference {
	if len(p.MediaTypes) == 0 {
		return []MediaPreference{{MediaType: AllMediaTypes, Quality: 1}}
	}
	return p.MediaTypes
}

// languageQuality finds the quality of the best preference for lang.
func languageQuality(prefs []LanguagePreference, lang, fallback Language) (float64, bool) {
	if lang.IsZero() {
		return fallbackQuality, true
	}
	best, found, quality := 0, false, 0.0
	for _, pref := range prefs {
		if pref.Quality <= 0 {
			continue
		}
		if score, ok := languageScore(pref.Language, lang); ok && (!found || score > best) {
			best, found, quality = score, true, pref.Quality
		}
	}
	if found {
		return quality, true
	}
	if !fallback.IsZero() && fallback.Equal(lang) {
		return fallbackQuality, true
	}
	return 0, false
}

// mediaQuality finds the quality of the best preference for mt.
func mediaQuality(prefs []MediaPreference, mt MediaType) (float64, bool) {
	if mt.IsZero() {
		return fallbackQuality, true
	}
	best, found, quality := 0, false, 0.0
	for _, pref := range prefs {
		if pref.Quality <= 0 {
			continue
		}
		if score, ok := mediaScore(pref.MediaType, mt); ok && (!found || score > best) {
			best, found, quality = score, true, pref.Quality
		}
	}
	return quality, found
}

// Quality computes a variant's final quality under prefs.  ok is
// false if the variant is not acceptable at all.
func Quality(v Variant, prefs Preferences, fallback Language) (quality float64, ok bool) {
	langQ, ok := languageQuality(prefs.languages(), v.Language, fallback)
	if !ok {
		return 0, false
	}
	mediaQ, ok := mediaQuality(prefs.mediaTypes(), v.MediaType)
	if !ok {
		return 0, false
	}
	return langQ*10 + mediaQ, true
}

// BestVariant returns the index of the best acceptable variant, or -1
// if none is acceptable.
func BestVariant(variants []Variant, prefs Preferences, fallback Language) int {
	best, bestQ := -1, 0.0
	for i, v := range variants {
		q, ok := Quality(v, prefs, fallback)
		if ok && q > bestQ {
			best, bestQ = i, q
		}
	}
	return best
}

// BestOutput picks the variant to send and the status to send it
// with: 404 when there are no variants, 406 when none is acceptable,
// 304 when the chosen variant has not changed since ifModifiedSince,
// and otherwise 200.  The variant is nil for 404 and 406.
func BestOutput(variants []Variant, prefs Preferences, fallback Language, ifModifiedSince time.Time) (message.Status, *Variant) {
	if len(variants) == 0 {
		return message.StatusNotFound, nil
	}
	i := BestVariant(variants, prefs, fallback)
	if i < 0 {
		return message.StatusNotAcceptable, nil
	}
	v := &variants[i]
	// HTTP dates carry whole seconds only.
	if !ifModifiedSince.IsZero() && !v.Modified.IsZero() &&
		!v.Modified.Truncate(time.Second).After(ifModifiedSince) {
		return message.StatusNotModified, v
	}
	return message.StatusOK, v
}
