// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package blobstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diamond.io/diamond/pkg/diamond"
	"diamond.io/diamond/pkg/wire/blobstore"
)

func TestStore_PutGetRoundTrip(t *testing.T) {
	s, err := blobstore.Open("")
	require.NoError(t, err)

	sig := diamond.SignBytes([]byte("module-binary"))
	_, ok := s.Get(sig)
	assert.False(t, ok)
	assert.False(t, s.Has(sig))

	require.NoError(t, s.Put(sig, []byte("binary-content")))
	assert.True(t, s.Has(sig))

	got, ok := s.Get(sig)
	require.True(t, ok)
	assert.Equal(t, []byte("binary-content"), got)
}

func TestStore_DiskBacked(t *testing.T) {
	dir := t.TempDir()

	s, err := blobstore.Open(dir)
	require.NoError(t, err)

	sig := diamond.SignBytes([]byte("spec-file"))
	require.NoError(t, s.Put(sig, []byte("FILTER f\n")))

	reopened, err := blobstore.Open(dir)
	require.NoError(t, err)
	got, ok := reopened.Get(sig)
	require.True(t, ok)
	assert.Equal(t, []byte("FILTER f\n"), got)
}
