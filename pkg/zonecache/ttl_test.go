package zonecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Invariant 8: TTL validation boundary values (§4.8).
func TestValidateTTL_Invariant8(t *testing.T) {
	now := time.Now()

	invalid := []int64{
		-1,
		now.UnixMilli() + 1,
		thirtyDaysSeconds + 1, // 2_592_001
	}
	for _, ttl := range invalid {
		assert.Error(t, validateTTL(ttl, now), "ttl=%d should be invalid", ttl)
	}

	valid := []int64{
		0,
		30,
		thirtyDaysSeconds, // 2_592_000
		now.Unix() + 60,
	}
	for _, ttl := range valid {
		assert.NoError(t, validateTTL(ttl, now), "ttl=%d should be valid", ttl)
	}
}
