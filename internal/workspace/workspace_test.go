package workspace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxCommitProducesPatchAndReplacesTarget(t *testing.T) {
	target := New()
	tx := NewTx(target)
	require.NoError(t, tx.Tmp().Set(0, &Artifact{Type: "t", Provenance: "p", ContentJSON: `{"a":1}`, SizeBytes: 7}))

	patch, err := tx.Commit(target)
	require.NoError(t, err)
	require.Len(t, patch, 1)
	require.Equal(t, "add", patch[0].Op)
	require.Equal(t, "/slots/0", patch[0].Path)

	got, err := target.Get(0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "t", got.Type)
}

func TestTxRollbackLeavesTargetUnchanged(t *testing.T) {
	target := New()
	require.NoError(t, target.Set(1, &Artifact{Type: "orig"}))
	before := target.Digest()

	tx := NewTx(target)
	require.NoError(t, tx.Tmp().Set(1, &Artifact{Type: "mutated"}))
	tx.Rollback()

	require.Equal(t, before, target.Digest())
}

func TestComputePatchEmptyWhenNoChange(t *testing.T) {
	ws := New()
	require.NoError(t, ws.Set(2, &Artifact{Type: "x", ContentJSON: "1"}))
	patch := computePatch(ws, ws.Clone())
	require.Empty(t, patch)
}

func TestApplyRoundTrip(t *testing.T) {
	base := New()
	require.NoError(t, base.Set(3, &Artifact{Type: "a", ContentJSON: "1"}))

	next := base.Clone()
	require.NoError(t, next.Set(3, &Artifact{Type: "b", ContentJSON: "2"}))
	require.NoError(t, next.Set(4, &Artifact{Type: "c", ContentJSON: "3"}))

	patch := computePatch(base, next)
	replay := base.Clone()
	require.NoError(t, Apply(replay, patch))
	require.Equal(t, next.Digest(), replay.Digest())
}

func TestApplyRejectsBadPath(t *testing.T) {
	ws := New()
	err := Apply(ws, Patch{{Op: "add", Path: "/slots/99", Value: &Artifact{}}})
	require.ErrorIs(t, err, ErrInvalidPatchPath)

	err = Apply(ws, Patch{{Op: "add", Path: "/bogus/0", Value: &Artifact{}}})
	require.ErrorIs(t, err, ErrInvalidPatchPath)
}

func TestDigestsArePureAndStable(t *testing.T) {
	ws := New()
	require.NoError(t, ws.Set(0, &Artifact{Type: "t", Provenance: "p", ContentJSON: "{}", SizeBytes: 2}))
	d1 := ws.Digest()
	d2 := ws.Digest()
	require.Equal(t, d1, d2)

	f1 := ws.DigestFast()
	f2 := ws.DigestFast()
	require.Equal(t, f1, f2)
}
