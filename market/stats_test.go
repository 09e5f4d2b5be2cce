// +build unit

package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketForTruncatesToHour(t *testing.T) {
	at := time.Date(2022, 3, 14, 15, 9, 26, 535897932, time.UTC)
	assert.Equal(t, time.Date(2022, 3, 14, 15, 0, 0, 0, time.UTC), bucketFor(at))
}

func TestPeriodStart(t *testing.T) {
	now := time.Date(2022, 3, 14, 15, 30, 0, 0, time.UTC)

	since, err := periodStart("", now)
	assert.NoError(t, err)
	assert.Nil(t, since)

	since, err = periodStart("hour", now)
	assert.NoError(t, err)
	assert.Equal(t, bucketFor(now), *since)

	since, err = periodStart("day", now)
	assert.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), *since)

	_, err = periodStart("fortnight", now)
	assert.Error(t, err)
}

func TestBucketForNormalizesZone(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2022, 3, 14, 15, 30, 0, 0, zone)

	bucket := bucketFor(local)
	assert.Equal(t, time.UTC, bucket.Location())
	assert.Equal(t, 13, bucket.Hour())
}
