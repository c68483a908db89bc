package audit_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/estop/pkg/audit"
)

func fillJournal(t *testing.T, j *audit.Journal, target uuid.UUID, kinds ...audit.EventKind) {
	t.Helper()
	for _, kind := range kinds {
		require.NoError(t, j.Record(context.Background(), testEvent(kind, target)))
	}
}

func TestJournal_Record(t *testing.T) {
	j := audit.NewJournal()
	target := uuid.New()

	ev1 := testEvent(audit.KindPlanned, target)
	require.NoError(t, j.Record(context.Background(), ev1))
	ev2 := testEvent(audit.KindExecuted, target)
	require.NoError(t, j.Record(context.Background(), ev2))

	assert.Equal(t, uint64(1), ev1.Seq)
	assert.Equal(t, uint64(2), ev2.Seq)
	assert.NotEqual(t, uuid.Nil, ev1.ID)

	// The chain links each event to its predecessor.
	assert.Equal(t, "genesis", ev1.PrevHash)
	assert.Equal(t, ev1.Hash, ev2.PrevHash)
	assert.Equal(t, ev2.Hash, j.Head())
	assert.Equal(t, uint64(2), j.Seq())
	assert.Equal(t, 2, j.Size())
}

func TestJournal_VerifyChain(t *testing.T) {
	target := uuid.New()

	t.Run("Success: Intact Chain", func(t *testing.T) {
		j := audit.NewJournal()
		fillJournal(t, j, target, audit.KindPlanned, audit.KindAdded, audit.KindExecuted)
		assert.NoError(t, j.VerifyChain(context.Background()))
	})

	t.Run("Success: Empty Journal", func(t *testing.T) {
		assert.NoError(t, audit.NewJournal().VerifyChain(context.Background()))
	})

	t.Run("Fail: Tampered Payload", func(t *testing.T) {
		j := audit.NewJournal()
		fillJournal(t, j, target, audit.KindPlanned, audit.KindExecuted)

		// Rewriting history after the fact must be detectable.
		j.List()[0].Actor = uuid.New()
		assert.ErrorIs(t, j.VerifyChain(context.Background()), audit.ErrChainBroken)
	})

	t.Run("Fail: Tampered Link", func(t *testing.T) {
		j := audit.NewJournal()
		fillJournal(t, j, target, audit.KindPlanned, audit.KindExecuted)

		j.List()[1].PrevHash = "sha256:0000"
		assert.ErrorIs(t, j.VerifyChain(context.Background()), audit.ErrChainBroken)
	})
}

func TestJournal_Query(t *testing.T) {
	j := audit.NewJournal()
	targetA := uuid.New()
	targetB := uuid.New()
	fillJournal(t, j, targetA, audit.KindPlanned, audit.KindAdded)
	fillJournal(t, j, targetB, audit.KindPlanned)
	fillJournal(t, j, targetA, audit.KindExecuted)

	t.Run("By Target", func(t *testing.T) {
		got := j.Query(audit.Filter{Target: targetA})
		require.Len(t, got, 3)
		assert.Equal(t, audit.KindExecuted, got[2].Kind)
	})

	t.Run("By Kind", func(t *testing.T) {
		got := j.Query(audit.Filter{Kind: audit.KindPlanned})
		assert.Len(t, got, 2)
	})

	t.Run("By Sequence Range", func(t *testing.T) {
		got := j.Query(audit.Filter{StartSeq: 2, EndSeq: 3})
		require.Len(t, got, 2)
		assert.Equal(t, uint64(2), got[0].Seq)
	})

	t.Run("With Limit", func(t *testing.T) {
		got := j.Query(audit.Filter{Limit: 1})
		require.Len(t, got, 1)
		assert.Equal(t, uint64(1), got[0].Seq)
	})

	t.Run("Zero Filter Matches All", func(t *testing.T) {
		assert.Len(t, j.Query(audit.Filter{}), 4)
	})
}

func TestJournal_Checkpoint(t *testing.T) {
	j := audit.NewJournal()
	fillJournal(t, j, uuid.New(), audit.KindPlanned, audit.KindExecuted)

	keyring, err := audit.KeyringFromSecret([]byte("root-secret"), "journal")
	require.NoError(t, err)

	cp, err := j.Checkpoint(keyring)
	require.NoError(t, err)
	assert.Equal(t, j.Head(), cp.Head)
	assert.Equal(t, uint64(2), cp.Seq)

	t.Run("Success: Verifies", func(t *testing.T) {
		assert.NoError(t, audit.VerifyCheckpoint(cp))
	})

	t.Run("Fail: Tampered Head", func(t *testing.T) {
		forged := *cp
		forged.Head = "sha256:feedface"
		assert.ErrorIs(t, audit.VerifyCheckpoint(&forged), audit.ErrBadCheckpoint)
	})

	t.Run("Fail: Tampered Sequence", func(t *testing.T) {
		forged := *cp
		forged.Seq = 99
		assert.ErrorIs(t, audit.VerifyCheckpoint(&forged), audit.ErrBadCheckpoint)
	})

	t.Run("Fail: Malformed Signature", func(t *testing.T) {
		forged := *cp
		forged.Signature = "zz"
		assert.ErrorIs(t, audit.VerifyCheckpoint(&forged), audit.ErrBadCheckpoint)
	})
}

func TestKeyringFromSecret(t *testing.T) {
	t.Run("Deterministic Per Scope", func(t *testing.T) {
		a, err := audit.KeyringFromSecret([]byte("secret"), "journal")
		require.NoError(t, err)
		b, err := audit.KeyringFromSecret([]byte("secret"), "journal")
		require.NoError(t, err)
		assert.Equal(t, a.PublicKey(), b.PublicKey())

		other, err := audit.KeyringFromSecret([]byte("secret"), "archive")
		require.NoError(t, err)
		assert.NotEqual(t, a.PublicKey(), other.PublicKey())
	})

	t.Run("Fail: Empty Secret", func(t *testing.T) {
		_, err := audit.KeyringFromSecret(nil, "journal")
		assert.Error(t, err)
	})

	t.Run("Fail: Empty Scope", func(t *testing.T) {
		_, err := audit.KeyringFromSecret([]byte("secret"), "")
		assert.Error(t, err)
	})
}
