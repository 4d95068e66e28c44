package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/kv"
)

func TestFingerprintIsCanonical(t *testing.T) {
	a := domain.Payload{
		Recipient:   "Alice@Example.com ",
		Entity:      map[string]string{"order_number": "1001", "store": "main"},
		Data:        map[string]any{"total": "10.00", "name": "Zoë"},
		Attachments: []string{"invoice", "terms"},
	}
	b := domain.Payload{
		Recipient:   "alice@example.com",
		Entity:      map[string]string{"store": "main", "order_number": "1001"},
		Data:        map[string]any{"name": "Zoë", "total": "10.00"},
		Attachments: []string{"terms", "invoice"},
	}
	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b.Data["total"] = "11.00"
	fc, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestKeySeparatesParts(t *testing.T) {
	k1 := Key(domain.InvoiceRequest, "ab", "c")
	k2 := Key(domain.InvoiceRequest, "a", "bc")
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, Key(domain.InvoiceRequest, "ab", "c"))
	assert.NotEqual(t, k1, Key(domain.StatusUpdate, "ab", "c"))
}

func TestReserveWithinWindow(t *testing.T) {
	ctx := context.Background()
	c := clock.NewMockClock()
	d := New(kv.NewMemory(c), 10*time.Minute)

	existing, ok, err := d.Reserve(ctx, "key", "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "job-1", existing)

	existing, ok, err = d.Reserve(ctx, "key", "job-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "job-1", existing)

	id, found, err := d.Lookup(ctx, "key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "job-1", id)

	c.AddTime(10 * time.Minute)
	_, found, err = d.Lookup(ctx, "key")
	require.NoError(t, err)
	assert.False(t, found, "record expires with the window")
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	d := New(kv.NewMemory(clock.NewMockClock()), time.Minute)
	_, _, err := d.Reserve(ctx, "key", "job-1")
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx, "key"))
	_, ok, err := d.Reserve(ctx, "key", "job-2")
	require.NoError(t, err)
	assert.True(t, ok)
}
