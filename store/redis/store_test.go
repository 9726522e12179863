package redis_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xraph/herald/store"
	"github.com/xraph/herald/store/redis"
	"github.com/xraph/herald/store/storetest"
)

// The contract runs only when HERALD_TEST_REDIS_URL points at a disposable
// Redis database; each subtest flushes it.
func TestContract(t *testing.T) {
	url := os.Getenv("HERALD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HERALD_TEST_REDIS_URL not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := redis.Open(url)
		require.NoError(t, err)
		require.NoError(t, s.Client().FlushDB(context.Background()).Err())
		return s
	})
}
