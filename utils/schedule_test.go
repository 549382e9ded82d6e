package utils

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAbsoluteDays(t *testing.T) {
	assert.Equal(t, []int{3, 5}, ToAbsoluteDays([]int{3, 2}))
	assert.Equal(t, []int{1, 2, 3}, ToAbsoluteDays([]int{1, 1, 1}))
	assert.Equal(t, []int{7}, ToAbsoluteDays([]int{7}))
	assert.Empty(t, ToAbsoluteDays(nil))
}

func TestToRelativeDays(t *testing.T) {
	assert.Equal(t, []int{3, 2}, ToRelativeDays([]int{3, 5}))
	assert.Equal(t, []int{1, 1, 1}, ToRelativeDays([]int{1, 2, 3}))
	assert.Equal(t, []int{7}, ToRelativeDays([]int{7}))
	assert.Empty(t, ToRelativeDays(nil))
}

func TestConversionRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		n := 1 + rng.Intn(10)
		relative := make([]int, n)
		for j := range relative {
			relative[j] = 1 + rng.Intn(30)
		}
		assert.Equal(t, relative, ToRelativeDays(ToAbsoluteDays(relative)))

		absolute := make([]int, n)
		prev := 0
		for j := range absolute {
			prev += 1 + rng.Intn(30)
			absolute[j] = prev
		}
		assert.Equal(t, absolute, ToAbsoluteDays(ToRelativeDays(absolute)))
	}
}

func TestDaysElapsed(t *testing.T) {
	ref := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, DaysElapsed(ref, ref))
	assert.Equal(t, 0, DaysElapsed(ref, ref.Add(23*time.Hour)))
	assert.Equal(t, 1, DaysElapsed(ref, ref.Add(24*time.Hour)))
	assert.Equal(t, 3, DaysElapsed(ref, ref.Add(3*24*time.Hour+time.Minute)))

	// Clock skew: now before reference clamps to zero
	assert.Equal(t, 0, DaysElapsed(ref, ref.Add(-time.Hour)))
}

func TestAbsoluteSendInstant(t *testing.T) {
	sent := time.Date(2025, 3, 10, 17, 45, 0, 0, time.UTC)

	due, err := AbsoluteSendInstant(sent, 3, "09:30", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 13, 9, 30, 0, 0, time.UTC), due)

	// Zone shifts the calendar day the original send falls on
	loc := time.FixedZone("UTC+9", 9*3600)
	due, err = AbsoluteSendInstant(sent, 1, "09:00", loc)
	require.NoError(t, err)
	// 17:45 UTC is already March 11 in UTC+9
	assert.Equal(t, time.Date(2025, 3, 12, 9, 0, 0, 0, loc).Unix(), due.Unix())

	_, err = AbsoluteSendInstant(sent, 1, "25:00", time.UTC)
	assert.Error(t, err)
}

func TestParseSendTime(t *testing.T) {
	h, m, err := ParseSendTime("09:05")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 5, m)

	for _, bad := range []string{"", "9am", "24:00", "12:60", "12"} {
		_, _, err := ParseSendTime(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestIsEmptyBody(t *testing.T) {
	assert.True(t, IsEmptyBody(""))
	assert.True(t, IsEmptyBody("   "))
	assert.True(t, IsEmptyBody("<p></p>"))
	assert.True(t, IsEmptyBody("<p><br></p>"))
	assert.True(t, IsEmptyBody("  <p><br/></p>  "))

	assert.False(t, IsEmptyBody("<p>hi</p>"))
	assert.False(t, IsEmptyBody("just text"))
}

func TestValidateDrafts(t *testing.T) {
	sent := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	now := sent.Add(2 * time.Hour)

	valid := []FollowUpDraft{
		{RelativeDelayDays: 3, SendTime: "09:00", Subject: "Checking in", BodyHTML: "<p>Hi</p>"},
		{RelativeDelayDays: 2, SendTime: "09:00", Subject: "One more nudge", BodyHTML: "<p>Hello</p>"},
	}
	require.NoError(t, ValidateDrafts(valid, sent, now))

	t.Run("empty list", func(t *testing.T) {
		err := ValidateDrafts(nil, sent, now)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "messages", verr.Field)
	})

	t.Run("first delay must clear elapsed days", func(t *testing.T) {
		// Three days after the original send, a first delay of 3 would land
		// today or in the past; 4 is the minimum.
		later := sent.Add(3*24*time.Hour + time.Hour)
		drafts := []FollowUpDraft{
			{RelativeDelayDays: 3, SendTime: "09:00", Subject: "s", BodyHTML: "<p>b</p>"},
		}
		err := ValidateDrafts(drafts, sent, later)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, 0, verr.Index)
		assert.Equal(t, "relative_delay_days", verr.Field)

		drafts[0].RelativeDelayDays = 4
		assert.NoError(t, ValidateDrafts(drafts, sent, later))
	})

	t.Run("later delays need at least one day", func(t *testing.T) {
		drafts := []FollowUpDraft{
			{RelativeDelayDays: 3, SendTime: "09:00", Subject: "s", BodyHTML: "<p>b</p>"},
			{RelativeDelayDays: 0, SendTime: "09:00", Subject: "s", BodyHTML: "<p>b</p>"},
		}
		err := ValidateDrafts(drafts, sent, now)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, 1, verr.Index)
	})

	t.Run("invalid send time", func(t *testing.T) {
		drafts := []FollowUpDraft{
			{RelativeDelayDays: 3, SendTime: "9am", Subject: "s", BodyHTML: "<p>b</p>"},
		}
		err := ValidateDrafts(drafts, sent, now)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "send_time", verr.Field)
	})

	t.Run("blank subject", func(t *testing.T) {
		drafts := []FollowUpDraft{
			{RelativeDelayDays: 3, SendTime: "09:00", Subject: "  ", BodyHTML: "<p>b</p>"},
		}
		err := ValidateDrafts(drafts, sent, now)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "subject", verr.Field)
	})

	t.Run("empty rich-text body", func(t *testing.T) {
		drafts := []FollowUpDraft{
			{RelativeDelayDays: 3, SendTime: "09:00", Subject: "s", BodyHTML: "<p><br></p>"},
		}
		err := ValidateDrafts(drafts, sent, now)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "body_html", verr.Field)
	})
}
