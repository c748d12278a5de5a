package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url")
	require.Error(t, err)
}

func TestQueue_PublishIsFIFO(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	q := NewQueue(client, "spyglass:test")
	require.NoError(t, q.Publish(ctx, []byte(`{"op":1}`)))
	require.NoError(t, q.Publish(ctx, []byte(`{"op":2}`)))

	first, err := client.BLPop(ctx, time.Second, "spyglass:test").Result()
	require.NoError(t, err)
	assert.Equal(t, `{"op":1}`, first[1])

	second, err := client.BLPop(ctx, time.Second, "spyglass:test").Result()
	require.NoError(t, err)
	assert.Equal(t, `{"op":2}`, second[1])
	assert.Equal(t, "redis:spyglass:test", q.Name())
}
