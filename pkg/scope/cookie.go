// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package scope parses OpenDiamond-style scope cookies (spec.md §6):
// an ASCII-armored, base64-encoded envelope naming the servers a
// search may run against, an expiry time, and a newline-separated list
// of scope-body URLs. Per spec.md §1, validating the cookie's
// signature is an external collaborator's job; this package only
// consumes the fields of an already-validated cookie.
package scope

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class for all scope cookie parsing errors.
var Error = errs.Class("scope")

const (
	beginMarker = "-----BEGIN OPENDIAMOND SCOPECOOKIE-----"
	endMarker   = "-----END OPENDIAMOND SCOPECOOKIE-----"
)

// Cookie is a parsed scope cookie: the header fields plus the raw
// scope body.
type Cookie struct {
	// Signature is the opaque hex signature line preceding the
	// header; the core never validates it, only carries it.
	Signature string
	Version   int
	Serial    string
	KeyID     string
	Expires   time.Time
	Servers   []string

	// Body is the scope-body text following the header's blank line:
	// a newline-separated list of URLs.
	Body string
}

// Parse parses a cookie from its ASCII-armored text form.
func Parse(text string) (*Cookie, error) {
	start := strings.Index(text, beginMarker)
	if start < 0 {
		return nil, Error.New("missing %s marker", beginMarker)
	}
	payload := text[start+len(beginMarker):]

	end := strings.Index(payload, endMarker)
	if end < 0 {
		return nil, Error.New("missing %s marker", endMarker)
	}
	payload = payload[:end]

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, Error.New("invalid base64 payload: %v", err)
	}

	headerEnd := bytes.Index(decoded, []byte("\n\n"))
	if headerEnd < 0 {
		return nil, Error.New("missing header/body separator")
	}
	header := string(decoded[:headerEnd])
	body := string(decoded[headerEnd+2:])

	c := &Cookie{Body: body}
	lines := strings.Split(header, "\n")
	if len(lines) == 0 {
		return nil, Error.New("empty cookie header")
	}

	// The first header line is the opaque hex signature, not a
	// "Key: value" field.
	c.Signature = strings.TrimSpace(lines[0])

	for _, line := range lines[1:] {
		key, val, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		switch key {
		case "Version":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, Error.New("invalid Version: %v", err)
			}
			c.Version = n
		case "Serial":
			c.Serial = val
		case "KeyId":
			c.KeyID = val
		case "Expires":
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return nil, Error.New("invalid Expires: %v", err)
			}
			c.Expires = t
		case "Servers":
			c.Servers = splitServers(val)
		}
	}

	return c, nil
}

func splitHeaderLine(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func splitServers(val string) []string {
	var out []string
	for _, s := range strings.Split(val, ";") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Expired reports whether the cookie has expired as of now.
func (c *Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}

// AcceptsServer reports whether fqdn appears in the cookie's Servers
// list, case-insensitively.
func (c *Cookie) AcceptsServer(fqdn string) bool {
	for _, s := range c.Servers {
		if strings.EqualFold(s, fqdn) {
			return true
		}
	}
	return false
}

// URLs splits the scope body into its newline-separated URL list,
// skipping blank lines.
func (c *Cookie) URLs() []string {
	var out []string
	for _, line := range strings.Split(c.Body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
