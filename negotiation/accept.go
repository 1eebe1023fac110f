// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package negotiation

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diffeo/go-httpway/message"
)

// ErrBadPreference is returned when an Accept or Accept-Language
// header cannot be parsed.
type ErrBadPreference struct {
	Header string
	Value  string
}

func (e ErrBadPreference) Error() string {
	return fmt.Sprintf("invalid %v: header %q", e.Header, e.Value)
}

// HTTPStatus returns 400 Bad Request.
func (e ErrBadPreference) HTTPStatus() int {
	return http.StatusBadRequest
}

// quality pulls a "q" parameter out of params.
func quality(params map[string]string) (float64, bool) {
	qStr, haveQ := params["q"]
	if !haveQ {
		return 1.0, true
	}
	delete(params, "q")
	q, err := strconv.ParseFloat(qStr, 64)
	if err != nil || q < 0.0 || q > 1.0 {
		return 0, false
	}
	return q, true
}

// splitList splits a comma-separated header value, dropping empty
// elements.
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// ParseAccept parses an Accept header value into media preferences
// in header order.
func ParseAccept(value string) ([]MediaPreference, error) {
	var prefs []MediaPreference
	for _, item := range splitList(value) {
		mt, err := ParseMediaType(item)
		if err != nil {
			return nil, ErrBadPreference{Header: "Accept", Value: value}
		}
		q, ok := quality(mt.Params)
		if !ok {
			return nil, ErrBadPreference{Header: "Accept", Value: value}
		}
		if len(mt.Params) == 0 {
			mt.Params = nil
		}
		prefs = append(prefs, MediaPreference{MediaType: mt, Quality: q})
	}
	return prefs, nil
}

// ParseAcceptLanguage parses an Accept-Language header value into
// language preferences in header order.
func ParseAcceptLanguage(value string) ([]LanguagePreference, error) {
	var prefs []LanguagePreference
	for _, item := range splitList(value) {
		tag, q := item, 1.0
		if semi := strings.IndexByte(item, ';'); semi >= 0 {
			tag = item[:semi]
			params := map[string]string{}
			for _, param := range strings.Split(item[semi+1:], ";") {
				kv := strings.SplitN(strings.TrimSpace(param), "=", 2)
				if len(kv) != 2 {
					return nil, ErrBadPreference{Header: "Accept-Language", Value: value}
				}
				params[strings.ToLower(kv[0])] = kv[1]
			}
			var ok bool
			if q, ok = quality(params); !ok {
				return nil, ErrBadPreference{Header: "Accept-Language", Value: value}
			}
		}
		lang := ParseLanguage(tag)
		if lang.IsZero() {
			return nil, ErrBadPreference{Header: "Accept-Language", Value: value}
		}
		prefs = append(prefs, LanguagePreference{Language: lang, Quality: q})
	}
	return prefs, nil
}

// PreferencesFrom reads the Accept and Accept-Language headers of a
// request.  Repeated headers are combined in order.
func PreferencesFrom(headers message.Series) (Preferences, error) {
	var (
		prefs Preferences
		err   error
	)
	prefs.MediaTypes, err = ParseAccept(strings.Join(headers.Values("Accept"), ","))
	if err != nil {
		return Preferences{}, err
	}
	prefs.Languages, err = ParseAcceptLanguage(strings.Join(headers.Values("Accept-Language"), ","))
	if err != nil {
		return Preferences{}, err
	}
	return prefs, nil
}

// IfModifiedSince returns the request's conditional date, or the zero
// time if it is absent or unparseable.
func IfModifiedSince(headers message.Series) time.Time {
	value, ok := headers.First("If-Modified-Since")
	if !ok {
		return time.Time{}
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return t
}
