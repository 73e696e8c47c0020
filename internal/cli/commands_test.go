package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-sql/stagehand/history"
)

func TestNextSequence(t *testing.T) {
	cases := []struct {
		name      string
		matches   []string
		seqDigits int
		expect    string
		expectErr bool
	}{
		{name: "empty dir", matches: nil, seqDigits: 3, expect: "001"},
		{name: "successor", matches: []string{"001_a.sql", "002_b.sql"}, seqDigits: 3, expect: "003"},
		{name: "gap keeps max", matches: []string{"001_a.sql", "010_b.sql"}, seqDigits: 3, expect: "011"},
		{name: "ignores malformed", matches: []string{"001_a.sql", "scratch.sql"}, seqDigits: 3, expect: "002"},
		{name: "wider padding", matches: []string{"0001_a.sql"}, seqDigits: 4, expect: "0002"},
		{name: "overflow", matches: []string{"999_a.sql"}, seqDigits: 3, expectErr: true},
		{name: "zero digits", matches: nil, seqDigits: 0, expectErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := nextSequence(c.matches, c.seqDigits)
			if c.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, got)
		})
	}
}

func TestCreateCmd(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, createCmd(dir, "create_users", 3, false))
	require.NoError(t, createCmd(dir, "add_index", 3, false))

	raw, err := os.ReadFile(filepath.Join(dir, "001_create_users.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "-- FORWARD MIGRATION")
	assert.Contains(t, string(raw), "-- ROLLBACK")

	_, err = os.Stat(filepath.Join(dir, "002_add_index.sql"))
	require.NoError(t, err)
}

func TestWithLockRetryPassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := withLockRetry(context.Background(), time.Second, func() error {
		calls++
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, calls, "non-contention errors must not be retried")
}

func TestWithLockRetryRetriesContention(t *testing.T) {
	calls := 0
	err := withLockRetry(context.Background(), 5*time.Second, func() error {
		calls++
		if calls < 3 {
			return history.ErrLocked
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithLockRetryDisabled(t *testing.T) {
	calls := 0
	err := withLockRetry(context.Background(), 0, func() error {
		calls++
		return history.ErrLocked
	})
	assert.True(t, errors.Is(err, history.ErrLocked))
	assert.Equal(t, 1, calls)
}
