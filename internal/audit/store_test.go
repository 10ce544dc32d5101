package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
)

const testSigningKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleEntry(agent string, allowed bool) policy.AuditEntry {
	return policy.CreateAuditEntry(agent, "read", "customer-pii:cust-1", policy.Decision{
		Allowed:     allowed,
		Reason:      "session mismatch: caller session \"a\" does not match resource owner session \"b\"",
		PolicyName:  "specialist-pii-read",
		RuleVersion: "1:sha256:abcd1234",
	}, time.Now().UTC())
}

func TestAppendAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := sampleEntry("agent-x", false)
	require.NoError(t, store.Append(ctx, "authorize", "corr-1", entry))

	rec, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "authorize", rec.Subject)
	assert.Equal(t, "corr-1", rec.CorrelationID)
	assert.Equal(t, entry.Reason, rec.Entry.Reason)
	assert.True(t, strings.HasPrefix(rec.Signature, "hmac-sha256:"))
}

func TestGetUnknownID(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyDetectsIntactSignature(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := sampleEntry("agent-y", true)
	require.NoError(t, store.Append(ctx, "authorize", "", entry))

	ok, err := store.Verify(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListFiltersByAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, "authorize", "", sampleEntry("agent-a", true)))
	}
	require.NoError(t, store.Append(ctx, "handoff", "", sampleEntry("agent-b", false)))

	all, err := store.List(ctx, "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	onlyA, err := store.List(ctx, "agent-a", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, onlyA, 3)

	limited, err := store.List(ctx, "", time.Time{}, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListSkipsCorruptRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	good := sampleEntry("agent-a", true)
	require.NoError(t, store.Append(ctx, "authorize", "", good))

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, correlation_id, subject, agent, allowed, timestamp, record_json, signature)
		 VALUES ('damaged', '', 'authorize', 'agent-a', 1, ?, '{not json', 'sig')`,
		time.Now().UTC())
	require.NoError(t, err)

	// The damaged row is skipped; the intact record still lists.
	records, err := store.List(ctx, "agent-a", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, good.ID, records[0].ID)
}

func TestSignerRejectsShortKey(t *testing.T) {
	_, err := NewSigner("short")
	require.Error(t, err)
}

func TestSignerHexKey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32) // 64 hex chars → 32 bytes
	signer, err := NewSigner(hexKey)
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.True(t, signer.Verify([]byte("payload"), sig))
	assert.False(t, signer.Verify([]byte("tampered"), sig))
}
