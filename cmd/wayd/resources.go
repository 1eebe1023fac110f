// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/diffeo/go-httpway/dispatch"
	"github.com/diffeo/go-httpway/negotiation"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ugorji/go/codec"
	"github.com/urfave/negroni"
)

// Greeting is the representation of the /greeting resource.
type Greeting struct {
	Language string `codec:"language"`
	Text     string `codec:"text"`
	Name     string `codec:"name"`
}

var greetings = map[string]string{
	"en": "Hello",
	"fr": "Bonjour",
}

// encoder renders a greeting in one media type.
type encoder func(Greeting) ([]byte, error)

func codecEncoder(h codec.Handle) encoder {
	return func(g Greeting) ([]byte, error) {
		var out []byte
		err := codec.NewEncoderBytes(&out, h).Encode(g)
		return out, err
	}
}

func textEncoder(g Greeting) ([]byte, error) {
	return []byte(fmt.Sprintf("%s, %s!\n", g.Text, g.Name)), nil
}

var mediaEncoders = []struct {
	mediaType negotiation.MediaType
	encode    encoder
}{
	{negotiation.MustParseMediaType("application/json"), codecEncoder(&codec.JsonHandle{})},
	{negotiation.MustParseMediaType("application/cbor"), codecEncoder(&codec.CborHandle{})},
	{negotiation.MustParseMediaType("text/plain"), textEncoder},
}

// greetingVariants lists every language and media type combination.
func greetingVariants(modified time.Time) []negotiation.Variant {
	var variants []negotiation.Variant
	for _, lang := range []string{"en", "fr"} {
		for _, me := range mediaEncoders {
			variants = append(variants, negotiation.Variant{
				Language:  negotiation.ParseLanguage(lang),
				MediaType: me.mediaType,
				Modified:  modified,
				Value:     me.encode,
			})
		}
	}
	return variants
}

// greetingHandler serves a negotiated greeting.  started stands in
// for the resource's modification time.
func greetingHandler(started time.Time) http.HandlerFunc {
	variants := greetingVariants(started)
	fallback := negotiation.ParseLanguage("en")
	return func(w http.ResponseWriter, r *http.Request) {
		headers := dispatch.HeaderSeries(r.Header)
		prefs, err := negotiation.PreferencesFrom(headers)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, v := negotiation.BestOutput(variants, prefs, fallback, negotiation.IfModifiedSince(headers))
		w.Header().Set("Vary", "Accept, Accept-Language")
		if v == nil {
			http.Error(w, http.StatusText(status.Code), status.Code)
			return
		}
		w.Header().Set("Last-Modified", v.Modified.UTC().Format(http.TimeFormat))
		if status.Code == http.StatusNotModified {
			w.WriteHeader(status.Code)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "world"
		}
		lang := v.Language.String()
		body, err := v.Value.(encoder)(Greeting{Language: lang, Text: greetings[lang], Name: name})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", v.MediaType.String())
		w.Header().Set("Content-Language", lang)
		w.WriteHeader(status.Code)
		w.Write(body)
	}
}

// rootHandler lists the available resources.
func rootHandler(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "wayd resources:")
	fmt.Fprintln(&buf, "  /greeting{?name}  negotiated greeting (en, fr; json, cbor, text)")
	fmt.Fprintln(&buf, "  /echo             echoes the request")
	fmt.Fprintln(&buf, "  /metrics          Prometheus metrics")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

// echoHandler returns the request line, headers, and body.
func echoHandler(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\n", r.Method, r.RequestURI, r.Proto)
	for _, h := range dispatch.HeaderSeries(r.Header) {
		fmt.Fprintf(&buf, "%s: %s\n", h.Name, h.Value)
	}
	buf.WriteString("\n")
	buf.ReadFrom(r.Body)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(buf.Bytes())
}

// newHandler builds the application served by wayd serve.
func newHandler(started time.Time) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", rootHandler).Methods("GET", "HEAD")
	r.HandleFunc("/greeting", greetingHandler(started)).Methods("GET", "HEAD")
	r.HandleFunc("/echo", echoHandler)
	r.Handle("/metrics", promhttp.Handler())

	n := negroni.New()
	recovery := negroni.NewRecovery()
	recovery.PrintStack = false
	n.Use(recovery)
	n.Use(negroni.HandlerFunc(observeRequest))
	n.UseHandler(r)
	return n
}
