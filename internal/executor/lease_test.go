package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaseIssueAndVerifySucceeds(t *testing.T) {
	m := NewLeaseManager()
	lease, err := m.Issue("TOOL.FS.READ.v1", TierSafe, 0, "steploop")
	require.NoError(t, err)
	require.Equal(t, DefaultLeaseTTL, time.Duration(lease.ExpiresMs-lease.IssuedMs)*time.Millisecond)

	require.NoError(t, m.Verify(lease.TokenID, "TOOL.FS.READ.v1"))
}

func TestLeaseTTLClampedToBounds(t *testing.T) {
	m := NewLeaseManager()

	short, err := m.Issue("TOOL.X.v1", TierSafe, 10*time.Millisecond, "x")
	require.NoError(t, err)
	require.Equal(t, MinLeaseTTL, time.Duration(short.ExpiresMs-short.IssuedMs)*time.Millisecond)

	long, err := m.Issue("TOOL.X.v1", TierSafe, time.Hour, "x")
	require.NoError(t, err)
	require.Equal(t, MaxLeaseTTL, time.Duration(long.ExpiresMs-long.IssuedMs)*time.Millisecond)
}

func TestLeaseVerifyUnknownToken(t *testing.T) {
	m := NewLeaseManager()
	require.ErrorIs(t, m.Verify("nonexistent", "TOOL.X.v1"), ErrLeaseNotFound)
}

func TestLeaseVerifyToolMismatch(t *testing.T) {
	m := NewLeaseManager()
	lease, err := m.Issue("TOOL.FS.READ.v1", TierSafe, 0, "x")
	require.NoError(t, err)
	require.ErrorIs(t, m.Verify(lease.TokenID, "TOOL.OTHER.v1"), ErrLeaseToolMismatch)
}

func TestLeaseWildcardToolAIDAuthorizesAny(t *testing.T) {
	m := NewLeaseManager()
	lease, err := m.Issue("*", TierDangerous, 0, "x")
	require.NoError(t, err)
	require.NoError(t, m.Verify(lease.TokenID, "GENESIS.COMPILE_SHARED"))
}

func TestLeaseExpiryRejected(t *testing.T) {
	m := NewLeaseManager()
	fixed := time.Now()
	m.nowFunc = func() time.Time { return fixed }

	lease, err := m.Issue("TOOL.X.v1", TierSafe, MinLeaseTTL, "x")
	require.NoError(t, err)

	m.nowFunc = func() time.Time { return fixed.Add(2 * MinLeaseTTL) }
	require.ErrorIs(t, m.Verify(lease.TokenID, "TOOL.X.v1"), ErrLeaseExpired)
}

func TestLeaseSingleUseConsumption(t *testing.T) {
	m := NewLeaseManager()
	lease, err := m.Issue("TOOL.X.v1", TierSafe, 0, "x")
	require.NoError(t, err)

	require.NoError(t, m.Verify(lease.TokenID, "TOOL.X.v1"))
	require.NoError(t, m.Consume(lease.TokenID))
	require.ErrorIs(t, m.Verify(lease.TokenID, "TOOL.X.v1"), ErrLeaseConsumed)
}

func TestLeaseGCRemovesExpiredOnly(t *testing.T) {
	m := NewLeaseManager()
	fixed := time.Now()
	m.nowFunc = func() time.Time { return fixed }

	expiring, err := m.Issue("TOOL.X.v1", TierSafe, MinLeaseTTL, "x")
	require.NoError(t, err)
	fresh, err := m.Issue("TOOL.Y.v1", TierSafe, MaxLeaseTTL, "x")
	require.NoError(t, err)

	m.nowFunc = func() time.Time { return fixed.Add(2 * MinLeaseTTL) }
	removed := m.GC()
	require.Equal(t, 1, removed)

	require.ErrorIs(t, m.Verify(expiring.TokenID, "TOOL.X.v1"), ErrLeaseNotFound)
	require.NoError(t, m.Verify(fresh.TokenID, "TOOL.Y.v1"))
}

func TestLeaseUsageStatsTrackIssueConsumeReject(t *testing.T) {
	m := NewLeaseManager()

	lease, err := m.Issue("TOOL.X.v1", TierSafe, 0, "x")
	require.NoError(t, err)
	require.EqualValues(t, 1, m.TotalIssued())
	require.Equal(t, 1, m.ActiveCount())

	require.ErrorIs(t, m.Verify(lease.TokenID, "TOOL.OTHER.v1"), ErrLeaseToolMismatch)
	require.EqualValues(t, 1, m.TotalRejected())

	require.NoError(t, m.Verify(lease.TokenID, "TOOL.X.v1"))
	require.NoError(t, m.Consume(lease.TokenID))
	require.EqualValues(t, 1, m.TotalConsumed())

	require.ErrorIs(t, m.Verify(lease.TokenID, "TOOL.X.v1"), ErrLeaseConsumed)
	require.EqualValues(t, 2, m.TotalRejected())
}
