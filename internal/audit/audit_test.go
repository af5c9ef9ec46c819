package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fentz26/quizpilot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashInputs(t *testing.T) {
	a := HashInputs(map[string]string{"email": "a@example.org", "url": "https://q/1"})
	b := HashInputs(map[string]string{"url": "https://q/1", "email": "a@example.org"})
	assert.Equal(t, a, b, "map key order must not matter")
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashInputs(map[string]string{"email": "a@example.org"}))
	assert.Equal(t, "hash_error", HashInputs(make(chan int)))
}

func TestWriter_Record(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	w := NewWriter(s)
	ctx := context.Background()
	inputs := map[string]string{"email": "a@example.org", "secret": "peacock"}

	entry, err := w.Record(ctx, "chain.submit", inputs, "accepted", "chain-1", "queued")
	require.NoError(t, err)
	assert.Equal(t, HashInputs(inputs), entry.InputsHash)

	entries, err := s.AuditForChain(ctx, "chain-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].InputsHash+entries[0].Details, "peacock")
}
