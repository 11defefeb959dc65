// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package objectsource produces a lazy stream of object references from
// a scope (spec.md §4.C): a bounded-concurrency HTTP fetcher retrieves
// each scope URL's manifest, an XML-ish stream of `<object src="...">`
// and `<count adjust="N">` entries, and feeds discovered object URLs
// into a bounded channel drained by Next.
package objectsource

import (
	"encoding/xml"
	"io"
	"net/url"

	"github.com/zeebo/errs"
)

// Error is the class for all objectsource errors.
var Error = errs.Class("objectsource")

// ObjectRef is a lazily-resolved reference to one object: its
// retrieval URL, resolved against the scope manifest's base URL.
type ObjectRef struct {
	URL string
}

// manifestEntry is either a discovered object URL or a count
// adjustment (used only for progress reporting, per spec.md §4.C).
type manifestEntry struct {
	ref         *ObjectRef
	countAdjust int64
	hasAdjust   bool
}

// parseManifest streams a scope manifest, calling emit for every
// `<object src>` entry (resolved against base) and every count
// adjustment it finds (`<count adjust="N">` or `<objectlist
// count="N">`), grounded on the original source's
// lib/libodisk/dataretriever.c start_element handler.
func parseManifest(r io.Reader, base *url.URL, emit func(manifestEntry) error) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return Error.New("parsing scope manifest: %v", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "object":
			src, ok := attr(start, "src")
			if !ok {
				continue
			}
			resolved, err := resolveRef(base, src)
			if err != nil {
				return err
			}
			if err := emit(manifestEntry{ref: &ObjectRef{URL: resolved}}); err != nil {
				return err
			}

		case "count":
			adjust, ok := attr(start, "adjust")
			if !ok {
				continue
			}
			n, err := parseInt64(adjust)
			if err != nil {
				continue
			}
			if err := emit(manifestEntry{countAdjust: n, hasAdjust: true}); err != nil {
				return err
			}

		case "objectlist":
			count, ok := attr(start, "count")
			if !ok {
				continue
			}
			n, err := parseInt64(count)
			if err != nil {
				continue
			}
			if err := emit(manifestEntry{countAdjust: n, hasAdjust: true}); err != nil {
				return err
			}
		}
	}
}

func attr(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func parseInt64(s string) (int64, error) {
	var n int64
	var neg bool
	i := 0
	if len(s) > 0 && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		i = 1
	}
	if i == len(s) {
		return 0, Error.New("invalid integer %q", s)
	}
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, Error.New("invalid integer %q", s)
		}
		n = n*10 + int64(s[i]-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

func resolveRef(base *url.URL, src string) (string, error) {
	ref, err := url.Parse(src)
	if err != nil {
		return "", Error.New("invalid object src %q: %v", src, err)
	}
	if base == nil {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}
