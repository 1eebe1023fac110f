// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package negotiation

import (
	"net/http"
	"testing"
	"time"

	"github.com/diffeo/go-httpway/message"
	"github.com/stretchr/testify/assert"
)

func TestParseAccept(t *testing.T) {
	prefs, err := ParseAccept("text/html, application/json;q=0.5 , text/*;level=1;q=0.2,")
	if !assert.NoError(t, err) {
		return
	}
	if assert.Len(t, prefs, 3) {
		assert.Equal(t, "text/html", prefs[0].MediaType.Name())
		assert.Equal(t, 1.0, prefs[0].Quality)
		assert.Nil(t, prefs[0].MediaType.Params)

		assert.Equal(t, "application/json", prefs[1].MediaType.Name())
		assert.Equal(t, 0.5, prefs[1].Quality)
		assert.Nil(t, prefs[1].MediaType.Params)

		assert.Equal(t, "text/*", prefs[2].MediaType.Name())
		assert.Equal(t, 0.2, prefs[2].Quality)
		assert.Equal(t, map[string]string{"level": "1"}, prefs[2].MediaType.Params)
	}
}

func TestParseAcceptEmpty(t *testing.T) {
	prefs, err := ParseAccept("")
	assert.NoError(t, err)
	assert.Empty(t, prefs)
}

func TestParseAcceptErrors(t *testing.T) {
	for _, value := range []string{
		"text/html;q=2",
		"text/html;q=-1",
		"text/html;q=high",
		"text/html;=",
	} {
		_, err := ParseAccept(value)
		if assert.Error(t, err, value) {
			assert.IsType(t, ErrBadPreference{}, err)
			assert.Equal(t, http.StatusBadRequest, err.(ErrBadPreference).HTTPStatus())
		}
	}
}

func TestParseAcceptLanguage(t *testing.T) {
	prefs, err := ParseAcceptLanguage("en-US, fr;q=0.8, *;q=0.1")
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, []LanguagePreference{
		{Language: Language{Primary: "en", Subtags: []string{"us"}}, Quality: 1.0},
		{Language: Language{Primary: "fr"}, Quality: 0.8},
		{Language: AllLanguages, Quality: 0.1},
	}, prefs)

	for _, value := range []string{"en;q=5", "en;q", ";q=0.5"} {
		_, err := ParseAcceptLanguage(value)
		assert.Error(t, err, value)
	}
}

func TestLanguageString(t *testing.T) {
	assert.Equal(t, "en-us", ParseLanguage("en-US").String())
	assert.Equal(t, "fr", ParseLanguage(" fr ").String())
	assert.True(t, ParseLanguage("").IsZero())
}

func TestPreferencesFromCombinesHeaders(t *testing.T) {
	headers := message.Series{
		{Name: "Accept", Value: "text/plain"},
		{Name: "Accept-Language", Value: "fr"},
		{Name: "accept", Value: "application/json;q=0.4"},
	}
	prefs, err := PreferencesFrom(headers)
	if assert.NoError(t, err) {
		assert.Len(t, prefs.MediaTypes, 2)
		assert.Len(t, prefs.Languages, 1)
	}

	headers = append(headers, message.Header{Name: "Accept", Value: "bogus/;;"})
	_, err = PreferencesFrom(headers)
	assert.Error(t, err)
}

func TestIfModifiedSince(t *testing.T) {
	when := time.Date(2017, 3, 1, 12, 0, 0, 0, time.UTC)
	headers := message.Series{{Name: "If-Modified-Since", Value: when.Format(http.TimeFormat)}}
	assert.True(t, when.Equal(IfModifiedSince(headers)))

	assert.True(t, IfModifiedSince(nil).IsZero())
	headers = message.Series{{Name: "If-Modified-Since", Value: "yesterday"}}
	assert.True(t, IfModifiedSince(headers).IsZero())
}
