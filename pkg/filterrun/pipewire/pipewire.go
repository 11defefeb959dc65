// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pipewire implements the line-delimited ASCII framing used on the
// filter subprocess pipe (§4.A, §4.D): every primitive value is a decimal
// byte-length line, the payload, and a trailing newline; an empty length
// line means "no value", and the sentinel line "blank" terminates a list.
// Tags are bare lines with no length prefix.
package pipewire

import (
	"bufio"
	"io"
	"strconv"

	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("pipewire")

// ErrDesync is returned when a reader observes framing that could not
// have been produced by a well-behaved writer; per spec.md §4.A, readers
// must fail the connection on desync rather than try to resynchronize.
var ErrDesync = Error.New("frame desynchronized")

const blankToken = "blank"

// Writer frames primitive values onto an underlying byte stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w as a pipewire Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) writeLine(s string) error {
	_, err := io.WriteString(w.w, s+"\n")
	return Error.Wrap(err)
}

// WriteTag writes a bare tag line, e.g. "init-success" or "get-attribute".
func (w *Writer) WriteTag(tag string) error {
	return w.writeLine(tag)
}

// WriteBinary writes a length-prefixed binary payload.
func (w *Writer) WriteBinary(value []byte) error {
	if err := w.writeLine(strconv.Itoa(len(value))); err != nil {
		return err
	}
	if _, err := w.w.Write(value); err != nil {
		return Error.Wrap(err)
	}
	return w.writeLine("")
}

// WriteString writes a length-prefixed string.
func (w *Writer) WriteString(value string) error {
	return w.WriteBinary([]byte(value))
}

// WriteInt writes an integer, rendered as decimal.
func (w *Writer) WriteInt(value int64) error {
	return w.WriteString(strconv.FormatInt(value, 10))
}

// WriteDouble writes a float, rendered lossless in decimal.
func (w *Writer) WriteDouble(value float64) error {
	return w.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
}

// WriteEmpty writes the "no value" marker: a zero-length line with no
// payload at all (not even a trailing blank payload line).
func (w *Writer) WriteEmpty() error {
	return w.writeLine("")
}

// WriteBlank writes the list-terminator sentinel.
func (w *Writer) WriteBlank() error {
	return w.writeLine(blankToken)
}

// WriteStringList writes a sequence of strings terminated by WriteBlank,
// per the handshake's "argument list (strings terminated by blank)".
func (w *Writer) WriteStringList(values []string) error {
	for _, v := range values {
		if err := w.WriteString(v); err != nil {
			return err
		}
	}
	return w.WriteBlank()
}

// Reader parses primitive values off an underlying byte stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r as a pipewire Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) readLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		return "", Error.Wrap(err)
	}
	return line[:len(line)-1], nil
}

// ReadTag reads a bare tag line.
func (r *Reader) ReadTag() (string, error) {
	return r.readLine()
}

// ReadFrame reads one length-prefixed frame. ok is false if the frame was
// the "no value" marker; blank is true if it was the list-terminator
// sentinel, in which case value and ok are both zero.
func (r *Reader) ReadFrame() (value []byte, ok bool, blank bool, err error) {
	line, err := r.readLine()
	if err != nil {
		return nil, false, false, err
	}
	if line == "" {
		return nil, false, false, nil
	}
	if line == blankToken {
		return nil, false, true, nil
	}

	length, err := strconv.Atoi(line)
	if err != nil || length < 0 {
		return nil, false, false, ErrDesync
	}

	value = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.r, value); err != nil {
			return nil, false, false, Error.Wrap(err)
		}
	}

	trailer, err := r.readLine()
	if err != nil {
		return nil, false, false, err
	}
	if trailer != "" {
		return nil, false, false, ErrDesync
	}

	return value, true, false, nil
}

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() (string, bool, error) {
	value, ok, blank, err := r.ReadFrame()
	if err != nil {
		return "", false, err
	}
	if blank {
		return "", false, ErrDesync
	}
	return string(value), ok, nil
}

// ReadInt reads a decimal-rendered integer.
func (r *Reader) ReadInt() (int64, bool, error) {
	s, ok, err := r.ReadString()
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, ErrDesync
	}
	return v, true, nil
}

// ReadDouble reads a decimal-rendered float.
func (r *Reader) ReadDouble() (float64, bool, error) {
	s, ok, err := r.ReadString()
	if err != nil || !ok {
		return 0, ok, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, ErrDesync
	}
	return v, true, nil
}

// ReadStringList reads strings until the list-terminator sentinel.
func (r *Reader) ReadStringList() ([]string, error) {
	var out []string
	for {
		value, ok, blank, err := r.ReadFrame()
		if err != nil {
			return nil, err
		}
		if blank {
			return out, nil
		}
		if !ok {
			return nil, ErrDesync
		}
		out = append(out, string(value))
	}
}
