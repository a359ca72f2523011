//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"srdwatch/internal/srd/models"
	"srdwatch/internal/srd/store"
	"srdwatch/pkg/testutil/containers"
)

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.NewPostgresContainer(t)
	s := store.NewSQL(pg.DB, store.DialectPostgres)
	require.NoError(t, s.Migrate(context.Background()))

	suite.Run(t, &StoreSuite{newStore: func(t *testing.T) store.Store {
		require.NoError(t, pg.TruncateTables(context.Background(),
			"outbox", "outcomes", "status_checks", "applications", "identities"))
		return s
	}})
}

// TestConcurrentResolveIdentity verifies that racing first checks for one
// mobile converge on a single identity row.
func TestConcurrentResolveIdentity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.NewPostgresContainer(t)
	s := store.NewSQL(pg.DB, store.DialectPostgres)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	const goroutines = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]struct{}{}
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
				identity, isNew, err := tx.ResolveIdentity(ctx, "0821234567", time.Now().UTC())
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				ids[identity.ID.String()] = struct{}{}
				if isNew {
					created++
				}
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Len(t, ids, 1)

	_, err := s.FindSnapshot(ctx, models.Key{IDNumber: "9206160000085", Mobile: "0821234567"})
	require.ErrorIs(t, err, store.ErrNotFound)
}
