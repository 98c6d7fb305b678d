package drivers

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFSDriver(t *testing.T) {
	ctx := context.Background()
	driver, err := NewLocalFSDriver(t.TempDir(), "/api/artifacts")
	require.NoError(t, err)

	key := "ab12cd34-result.json"

	t.Run("round trips content and content type", func(t *testing.T) {
		err := driver.Put(ctx, key, strings.NewReader(`{"answer":42}`), "application/json")
		require.NoError(t, err)

		reader, contentType, err := driver.Open(ctx, key)
		require.NoError(t, err)
		defer reader.Close()

		body, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, `{"answer":42}`, string(body))
		assert.Equal(t, "application/json", contentType)
	})

	t.Run("generates public URL", func(t *testing.T) {
		url, err := driver.URL(ctx, key, 0)
		require.NoError(t, err)
		assert.Equal(t, "/api/artifacts/"+key, url)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		require.NoError(t, driver.Remove(ctx, key))
		require.NoError(t, driver.Remove(ctx, key))

		_, _, err := driver.Open(ctx, key)
		assert.Error(t, err)
	})
}
