// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package negotiation

import (
	"mime"
	"strings"
)

// MediaType is a MIME type with its parameters.  The zero MediaType
// means no media type.
type MediaType struct {
	Type    string
	Subtype string
	Params  map[string]string
}

// AllMediaTypes is the wildcard "*/*".
var AllMediaTypes = MediaType{Type: "*", Subtype: "*"}

// ParseMediaType parses a value like "text/html; charset=utf-8".  A
// "q" parameter is kept; callers that treat it as a quality strip it.
func ParseMediaType(s string) (MediaType, error) {
	full, params, err := mime.ParseMediaType(s)
	if err != nil {
		return MediaType{}, err
	}
	mt := MediaType{Type: full, Subtype: ""}
	if slash := strings.IndexByte(full, '/'); slash >= 0 {
		mt.Type, mt.Subtype = full[:slash], full[slash+1:]
	}
	if len(params) > 0 {
		mt.Params = params
	}
	return mt, nil
}

// MustParseMediaType is ParseMediaType that panics on error, for
// constant types.
func MustParseMediaType(s string) MediaType {
	mt, err := ParseMediaType(s)
	if err != nil {
		panic(err)
	}
	return mt
}

// IsZero says whether this is the empty media type.
func (m MediaType) IsZero() bool { return m.Type == "" }

// Name returns "type/subtype" without parameters.
func (m MediaType) Name() string {
	if m.Subtype == "" {
		return m.Type
	}
	return m.Type + "/" + m.Subtype
}

func (m MediaType) String() string {
	if len(m.Params) == 0 {
		return m.Name()
	}
	return mime.FormatMediaType(m.Name(), m.Params)
}

// mediaScore scores a preference against a variant's media type.  Of
// the wildcard patterns only "*/*" and "type/*" are meaningful; a
// pattern like "*/html" never matches.
func mediaScore(pref, variant MediaType) (score int, ok bool) {
	switch pref.Type {
	case variant.Type:
		score += 1000
	case "*":
		if pref.Subtype != "*" {
			return 0, false
		}
	default:
		return 0, false
	}
	switch pref.Subtype {
	case variant.Subtype:
		score += 100
	case "*":
	default:
		return 0, false
	}
	for name, value := range pref.Params {
		have, present := variant.Params[name]
		if !present || !strings.EqualFold(have, value) {
			return 0, false
		}
		score++
	}
	return score, true
}
