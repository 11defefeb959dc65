// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package pipewire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diamond.io/diamond/pkg/filterrun/pipewire"
)

func TestRoundTrip_String(t *testing.T) {
	var buf bytes.Buffer
	w := pipewire.NewWriter(&buf)
	require.NoError(t, w.WriteString("RED-CIRCLE"))

	r := pipewire.NewReader(&buf)
	value, ok, err := r.ReadString()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "RED-CIRCLE", value)
}

func TestRoundTrip_Int(t *testing.T) {
	var buf bytes.Buffer
	w := pipewire.NewWriter(&buf)
	require.NoError(t, w.WriteInt(-42))

	r := pipewire.NewReader(&buf)
	value, ok, err := r.ReadInt()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, -42, value)
}

func TestRoundTrip_Double(t *testing.T) {
	var buf bytes.Buffer
	w := pipewire.NewWriter(&buf)
	require.NoError(t, w.WriteDouble(3.14159))

	r := pipewire.NewReader(&buf)
	value, ok, err := r.ReadDouble()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 3.14159, value, 1e-12)
}

func TestRoundTrip_Empty(t *testing.T) {
	var buf bytes.Buffer
	w := pipewire.NewWriter(&buf)
	require.NoError(t, w.WriteEmpty())

	r := pipewire.NewReader(&buf)
	_, ok, blank, err := r.ReadFrame()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, blank)
}

func TestRoundTrip_Tag(t *testing.T) {
	var buf bytes.Buffer
	w := pipewire.NewWriter(&buf)
	require.NoError(t, w.WriteTag("init-success"))

	r := pipewire.NewReader(&buf)
	tag, err := r.ReadTag()
	require.NoError(t, err)
	assert.Equal(t, "init-success", tag)
}

func TestRoundTrip_StringList(t *testing.T) {
	var buf bytes.Buffer
	w := pipewire.NewWriter(&buf)
	require.NoError(t, w.WriteStringList([]string{"a", "b", "c"}))

	r := pipewire.NewReader(&buf)
	values, err := r.ReadStringList()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, values)
}

func TestRoundTrip_EmptyStringList(t *testing.T) {
	var buf bytes.Buffer
	w := pipewire.NewWriter(&buf)
	require.NoError(t, w.WriteStringList(nil))

	r := pipewire.NewReader(&buf)
	values, err := r.ReadStringList()
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestReadFrame_Binary(t *testing.T) {
	var buf bytes.Buffer
	w := pipewire.NewWriter(&buf)
	payload := []byte{0x00, 0x01, 0xff, 0x10}
	require.NoError(t, w.WriteBinary(payload))

	r := pipewire.NewReader(&buf)
	value, ok, blank, err := r.ReadFrame()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, blank)
	assert.Equal(t, payload, value)
}

func TestReadFrame_Desync(t *testing.T) {
	buf := bytes.NewBufferString("not-a-number\n")
	r := pipewire.NewReader(buf)
	_, _, _, err := r.ReadFrame()
	assert.ErrorIs(t, err, pipewire.ErrDesync)
}

func TestReadFrame_TrailerDesync(t *testing.T) {
	// length says 3 bytes but the trailing newline line is not blank.
	buf := bytes.NewBufferString("3\nabcXYZ\n")
	r := pipewire.NewReader(buf)
	_, _, _, err := r.ReadFrame()
	assert.ErrorIs(t, err, pipewire.ErrDesync)
}
