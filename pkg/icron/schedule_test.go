package icron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTriggerInfo_Daily(t *testing.T) {
	ref := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	info, err := GetTriggerInfo("0 3 * * *", ref)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC), info.Next)
	assert.Equal(t, time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC), info.Last)
	assert.Equal(t, 16*time.Hour+30*time.Minute, info.TimeUntilNext)
	assert.Equal(t, 7*time.Hour+30*time.Minute, info.TimeSinceLast)
	assert.Contains(t, info.String(), "last at 2024-05-01T03:00:00Z")
}

func TestGetTriggerInfo_Descriptor(t *testing.T) {
	ref := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	info, err := GetTriggerInfo("@hourly", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), info.Next)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), info.Last)
}

func TestParse_RejectsInvalid(t *testing.T) {
	_, err := Parse("every day")
	require.Error(t, err)

	_, err = GetTriggerInfo("61 * * * *", time.Now())
	require.Error(t, err)
}
