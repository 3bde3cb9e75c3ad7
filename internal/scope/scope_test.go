package scope

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBuildDate(t *testing.T) {
	tests := []struct {
		name        string
		date        string
		granularity Granularity
		from, to    string
		wantErr     bool
	}{
		{"year", "2024", GranularityYear, "2024-01-01", "2025-01-01", false},
		{"month", "2024-03", GranularityMonth, "2024-03-01", "2024-04-01", false},
		{"day", "2024-03-15", GranularityDay, "2024-03-15", "2024-03-16", false},
		{"december rolls over", "2023-12", GranularityMonth, "2023-12-01", "2024-01-01", false},
		{"two digit year", "24-03-15", 0, "", "", true},
		{"slash separator", "2024/03", 0, "", "", true},
		{"month out of range", "2024-13", 0, "", "", true},
		{"not a calendar day", "2024-02-30", 0, "", "", true},
		{"trailing junk", "2024-03-15T00", 0, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Resolve(Params{BuildDate: tt.date})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidFormat)
				assert.Contains(t, err.Error(), "YYYY, YYYY-MM or YYYY-MM-DD")
				return
			}
			require.NoError(t, err)
			assert.True(t, s.Rebuild(), "build date forces rebuild")
			assert.Equal(t, tt.granularity, s.Granularity())
			assert.Equal(t, tt.date, s.Label())

			from, to, ok := s.Range()
			require.True(t, ok)
			assert.Equal(t, tt.from, from.Format("2006-01-02"))
			assert.Equal(t, tt.to, to.Format("2006-01-02"))
		})
	}
}

func TestResolveRebuildWithoutDate(t *testing.T) {
	s, err := Resolve(Params{Rebuild: true})
	require.NoError(t, err)
	assert.True(t, s.Rebuild())
	assert.Equal(t, GranularityNone, s.Granularity())
	assert.Equal(t, "all", s.Label())
	_, _, ok := s.Range()
	assert.False(t, ok)
}

func TestResolveAcceptsEveryClockValue(t *testing.T) {
	for h := 0; h < 24; h++ {
		for m := 0; m < 60; m++ {
			v := fmt.Sprintf("%02d:%02d", h, m)
			_, err := Resolve(Params{Start: v, Stop: v})
			require.NoError(t, err, v)
		}
	}
}

func TestResolveRejectsBadClock(t *testing.T) {
	for _, v := range []string{"24:00", "9:30", "12:60", "1230", "12:3", " 12:30", "ab:cd"} {
		t.Run(v, func(t *testing.T) {
			_, err := Resolve(Params{Start: v})
			assert.ErrorIs(t, err, ErrInvalidFormat)

			_, err = Resolve(Params{Stop: v})
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"+02", 2, false},
		{"-05", -5, false},
		{"3", 3, false},
		{"+2", 2, false},
		{"-5", -5, false},
		{"+14", 14, false},
		{"+15", 0, true},
		{"+123", 0, true},
		{"-13", 0, true},
		{"+2:00", 0, true},
		{"UTC", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOffset(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInWindow(t *testing.T) {
	at := func(hhmm string) time.Time {
		tm, err := time.Parse("15:04", hhmm)
		require.NoError(t, err)
		return tm
	}

	day, err := Resolve(Params{Start: "08:00", Stop: "17:30"})
	require.NoError(t, err)
	assert.True(t, day.InWindow(at("08:00")))
	assert.True(t, day.InWindow(at("17:30")))
	assert.False(t, day.InWindow(at("17:31")))
	assert.False(t, day.InWindow(at("07:59")))

	night, err := Resolve(Params{Start: "22:00", Stop: "02:00"})
	require.NoError(t, err)
	assert.True(t, night.InWindow(at("23:15")))
	assert.True(t, night.InWindow(at("01:59")))
	assert.False(t, night.InWindow(at("12:00")))

	openEnded, err := Resolve(Params{Start: "20:00"})
	require.NoError(t, err)
	start, stop := openEnded.Window()
	assert.Equal(t, "20:00", start)
	assert.Equal(t, "23:59", stop)
	assert.True(t, openEnded.InWindow(at("23:59")))

	var none Scope
	assert.True(t, none.InWindow(at("03:00")))
}

func TestAdjustAndContains(t *testing.T) {
	s, err := Resolve(Params{BuildDate: "2024-03-15", Timezone: "+02"})
	require.NoError(t, err)

	// 23:30 UTC on the 14th is 01:30 on the 15th after a +2h adjustment.
	raw := time.Date(2024, 3, 14, 23, 30, 0, 0, time.UTC)
	adj := s.Adjust(raw)
	assert.Equal(t, 15, adj.Day())
	assert.True(t, s.Contains(adj))
	assert.False(t, s.Contains(raw))

	loc := time.FixedZone("x", -3*3600)
	local := time.Date(2024, 3, 15, 10, 0, 0, 0, loc)
	assert.Equal(t, 15, s.Adjust(local).Hour())
}

func TestString(t *testing.T) {
	s, err := Resolve(Params{BuildDate: "2024-03", Start: "06:00", Stop: "18:00", Timezone: "-01"})
	require.NoError(t, err)
	assert.Equal(t, "rebuild target=2024-03 window=06:00-18:00 tz=-1", s.String())

	var zero Scope
	assert.Equal(t, "incremental target=all", zero.String())
}
