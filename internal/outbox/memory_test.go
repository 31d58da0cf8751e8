package outbox_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shineum/mail-dispatch/internal/outbox"
	"github.com/shineum/mail-dispatch/internal/outbox/outboxtest"
)

func TestMemoryStore(t *testing.T) {
	outboxtest.RunStoreTests(t, func(*testing.T) outbox.Store {
		return outbox.NewMemoryStore()
	})
}

func TestFilterNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, outbox.Filter{Limit: 50}, outbox.Filter{}.Normalize())
	assert.Equal(t, outbox.Filter{Limit: 200}, outbox.Filter{Limit: 1000}.Normalize())
	assert.Equal(t, outbox.Filter{UserID: "u", Limit: 10}, outbox.Filter{UserID: "u", Limit: 10, Offset: -3}.Normalize())
}
