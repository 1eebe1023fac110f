// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package message

import "strings"

// Header is a single header line.
type Header struct {
	Name  string
	Value string
}

// Series is an ordered list of headers.  Names compare
// case-insensitively and may repeat (Set-Cookie, for instance), so
// this is deliberately not a map.
type Series []Header

// Add appends a header.
func (s *Series) Add(name, value string) {
	*s = append(*s, Header{Name: name, Value: value})
}

// Set replaces every header named name with a single one.
func (s *Series) Set(name, value string) {
	s.Remove(name)
	s.Add(name, value)
}

// Remove deletes every header named name and returns how many there
// were.
func (s *Series) Remove(name string) int {
	kept := (*s)[:0]
	removed := 0
	for _, h := range *s {
		if strings.EqualFold(h.Name, name) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	*s = kept
	return removed
}

// First returns the value of the first header named name.
func (s Series) First(name string) (string, bool) {
	for _, h := range s {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Get returns the value of the first header named name, or "".
func (s Series) Get(name string) string {
	v, _ := s.First(name)
	return v
}

// Values returns the values of every header named name, in order.
func (s Series) Values(name string) []string {
	var values []string
	for _, h := range s {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return values
}

// Has says whether any header is named name.
func (s Series) Has(name string) bool {
	_, ok := s.First(name)
	return ok
}

// Tokens splits every header named name on commas and returns the
// trimmed, lower-cased, non-empty elements.  This is the list syntax
// used by Connection and Transfer-Encoding.
func (s Series) Tokens(name string) []string {
	var tokens []string
	for _, v := range s.Values(name) {
		for _, t := range strings.Split(v, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens
}

// HasToken says whether the list-valued header name contains token.
func (s Series) HasToken(name, token string) bool {
	token = strings.ToLower(token)
	for _, t := range s.Tokens(name) {
		if t == token {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	return append(Series(nil), s...)
}
