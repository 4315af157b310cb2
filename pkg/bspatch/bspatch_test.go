package bspatch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/archive-patcher-sub003/pkg/bsdiff"
)

func TestApplyRoundTripsWithBsdiffOutput(t *testing.T) {
	old := bytes.Repeat([]byte("old blob content that bsdiff will diff against "), 30)
	new := append(append([]byte(nil), old[:200]...), append([]byte("a change right here"), old[200:]...)...)

	patch, err := bsdiff.DiffBytes(old, new)
	require.NoError(t, err)

	result, err := ApplyBytes(old, patch)
	require.NoError(t, err)
	require.Equal(t, new, result)
}

func TestApplyRejectsBadMagic(t *testing.T) {
	_, err := ApplyBytes([]byte("old"), []byte("NOT-A-VALID-MAGIC-HEADER-AT-ALLX"))
	require.Error(t, err)
}

func TestApplyRejectsTruncatedPatch(t *testing.T) {
	old := []byte("some old content")
	new := []byte("some new content that differs")
	patch, err := bsdiff.DiffBytes(old, new)
	require.NoError(t, err)

	_, err = ApplyBytes(old, patch[:len(patch)-5])
	require.Error(t, err)
}

func TestApplyHandlesEmptyNew(t *testing.T) {
	old := []byte("content that disappears")
	patch, err := bsdiff.DiffBytes(old, nil)
	require.NoError(t, err)

	result, err := ApplyBytes(old, patch)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestApplyHandlesEmptyOld(t *testing.T) {
	new := []byte("content that appears from nothing")
	patch, err := bsdiff.DiffBytes(nil, new)
	require.NoError(t, err)

	result, err := ApplyBytes(nil, patch)
	require.NoError(t, err)
	require.Equal(t, new, result)
}

func TestApplyAppliesExplicitControlStream(t *testing.T) {
	// "aa" -> "bb" is a full replace: one control record (0, 2, 0).
	var out bytes.Buffer
	err := bsdiff.WritePatch(&out, 2, []bsdiff.ControlRecord{
		{DiffLength: 0, ExtraLength: 2, Seek: 0},
	}, nil, []byte("bb"))
	require.NoError(t, err)

	result, err := ApplyBytes([]byte("aa"), out.Bytes())
	require.NoError(t, err)
	require.Equal(t, "bb", string(result))
}
