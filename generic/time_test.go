package generic_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/generic"
)

func TestAddMonths_ClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		from   generic.TimePoint
		months int
		want   string
	}{
		{generic.NewTimePoint(2025, time.January, 15), 6, "2025-07-15"},
		{generic.NewTimePoint(2025, time.August, 31), 6, "2026-02-28"},
		{generic.NewTimePoint(2023, time.August, 31), 6, "2024-02-29"},
		{generic.NewTimePoint(2025, time.March, 31), 1, "2025-04-30"},
		{generic.NewTimePoint(2025, time.December, 31), 12, "2026-12-31"},
		{generic.NewTimePoint(2024, time.February, 29), 12, "2025-02-28"},
	}

	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.AddMonths(tt.months).String())
		})
	}
}

func TestParseDate(t *testing.T) {
	tp, err := generic.ParseDate("2025-03-07")
	require.NoError(t, err)
	assert.Equal(t, generic.NewTimePoint(2025, time.March, 7), tp)

	_, err = generic.ParseDate("07/03/2025")
	assert.Error(t, err)
}

func TestDateOf_TruncatesClock(t *testing.T) {
	at := time.Date(2025, time.June, 1, 23, 59, 0, 0, time.UTC)

	assert.Equal(t, "2025-06-01", generic.DateOf(at).String())
	assert.True(t, generic.DateOf(at).Equal(generic.NewTimePoint(2025, time.June, 1)))
}

func TestMaxTimePoint(t *testing.T) {
	a := generic.NewTimePoint(2025, time.March, 1)
	b := generic.NewTimePoint(2025, time.April, 1)

	assert.Equal(t, b, generic.MaxTimePoint(a, b))
	assert.Equal(t, b, generic.MaxTimePoint(b, a))
	assert.Equal(t, a, generic.MaxTimePoint(a, generic.TimePoint{}))
	assert.Equal(t, a, generic.MaxTimePoint(generic.TimePoint{}, a))
}

func TestOptionalDate(t *testing.T) {
	assert.Nil(t, generic.OptionalDate(generic.TimePoint{}))

	tp := generic.NewTimePoint(2025, time.May, 5)
	got := generic.OptionalDate(tp)
	require.NotNil(t, got)
	assert.Equal(t, tp, *got)
}

func TestTimePointJSON(t *testing.T) {
	type payload struct {
		At  generic.TimePoint  `json:"at"`
		Opt *generic.TimePoint `json:"opt"`
	}

	data, err := json.Marshal(payload{At: generic.NewTimePoint(2025, time.July, 9)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"at":"2025-07-09","opt":null}`, string(data))

	var back payload
	require.NoError(t, json.Unmarshal([]byte(`{"at":"2025-07-09","opt":"2025-07-19"}`), &back))
	assert.Equal(t, "2025-07-09", back.At.String())
	require.NotNil(t, back.Opt)
	assert.Equal(t, "2025-07-19", back.Opt.String())

	var zero payload
	require.NoError(t, json.Unmarshal([]byte(`{"at":null}`), &zero))
	assert.True(t, zero.At.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"at":20250709}`), &back))
	assert.Error(t, json.Unmarshal([]byte(`{"at":"July 9"}`), &back))
}
