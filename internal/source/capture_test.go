package source

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navbridge/internal/decoder"
)

func TestCaptureRing_KeepsMostRecent(t *testing.T) {
	r := NewCaptureRing(3)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r.Add(now, "web", decoder.Payload{"seq": i, "b": true})
	}

	got := r.Snapshot()
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf(`{"b":true,"seq":%d}`, i+2), c.Raw)
		assert.Equal(t, []string{"b", "seq"}, c.Keys)
		assert.Equal(t, "web", c.Source)
	}
	assert.Equal(t, uint64(5), r.Total())

	got[0].Raw = "mutated"
	assert.NotEqual(t, "mutated", r.Snapshot()[0].Raw)

	r.Clear()
	assert.Empty(t, r.Snapshot())
}

func TestCaptureRing_ZeroSizeCountsOnly(t *testing.T) {
	r := NewCaptureRing(0)
	r.Add(time.Now(), "x", decoder.Payload{"a": 1})
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, uint64(1), r.Total())

	var nilRing *CaptureRing
	nilRing.Add(time.Now(), "x", nil)
	assert.Nil(t, nilRing.Snapshot())
}
