// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package testcontext_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"diamond.io/diamond/internal/testcontext"
)

func TestCompile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	exe := ctx.Compile("diamond.io/diamond/cmd/diamondd")
	assert.NotEmpty(t, exe)
}
