// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filterrun_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diamond.io/diamond/pkg/filterrun"
)

const sampleSpecFile = `FILTER f_has_red
THRESHOLD 1
EVAL_FUNCTION f_has_red_eval
INIT_FUNCTION f_init
FINI_FUNCTION f_fini
ARG --color=red

FILTER f_big
THRESHOLD 1
EVAL_FUNCTION f_big_eval
INIT_FUNCTION f_init
FINI_FUNCTION f_fini
REQUIRES f_has_red
MERIT 5
`

func TestParseSpecFile(t *testing.T) {
	specs, err := filterrun.ParseSpecFile(strings.NewReader(sampleSpecFile))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "f_has_red", specs[0].Name)
	assert.EqualValues(t, 1, specs[0].Threshold)
	assert.Equal(t, []string{"--color=red"}, specs[0].Args)

	assert.Equal(t, "f_big", specs[1].Name)
	assert.Equal(t, []string{"f_has_red"}, specs[1].Requires)
	assert.Equal(t, 5, specs[1].Merit)
}

func TestParseSpecFile_MissingEntryPoint(t *testing.T) {
	_, err := filterrun.ParseSpecFile(strings.NewReader("FILTER f_broken\nTHRESHOLD 1\n"))
	assert.Error(t, err)
}

func TestSpecFile_SerializeParseSerialize_Idempotent(t *testing.T) {
	specs, err := filterrun.ParseSpecFile(strings.NewReader(sampleSpecFile))
	require.NoError(t, err)

	var first bytes.Buffer
	require.NoError(t, filterrun.WriteSpecFile(&first, specs))

	reparsed, err := filterrun.ParseSpecFile(&first)
	require.NoError(t, err)

	var second bytes.Buffer
	require.NoError(t, filterrun.WriteSpecFile(&second, reparsed))

	assert.Equal(t, first.String(), second.String())
}

func TestSpec_Sig_StableForSameContent(t *testing.T) {
	specs, err := filterrun.ParseSpecFile(strings.NewReader(sampleSpecFile))
	require.NoError(t, err)

	a, b := specs[0], specs[1]
	assert.NotEqual(t, a.Sig(), b.Sig())
	assert.Equal(t, a.Sig(), a.Sig())
}
