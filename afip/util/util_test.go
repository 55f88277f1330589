package util

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDebugEnabled_False(t *testing.T) {
	_ = os.Unsetenv("AFIP_DEBUG")
	assert.False(t, DebugEnabled(), "debug should be false")
}

func TestIsDebugEnabled_True(t *testing.T) {
	t.Setenv("AFIP_DEBUG", "true")
	assert.True(t, DebugEnabled(), "debug should be true")
}

func TestCompactDate(t *testing.T) {
	// 02:30 UTC is still the previous day in Buenos Aires
	ts := time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, "20240301", CompactDate(ts))

	back, err := ParseCompactDate("20240301")
	require.NoError(t, err)
	assert.Equal(t, 2024, back.Year())
	assert.Equal(t, time.March, back.Month())
	assert.Equal(t, 1, back.Day())
}

func TestCalendarDate_KeepsCallerDay(t *testing.T) {
	assert.Equal(t, "20240501", CalendarDate(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	tokyo := time.FixedZone("JST", 9*60*60)
	assert.Equal(t, "20240501", CalendarDate(time.Date(2024, 5, 1, 0, 0, 0, 0, tokyo)))
}

func TestMergeTemplate_EscapesXML(t *testing.T) {
	tpl := `<a>{{xml .Name}}</a><b>{{xml .N}}</b>`
	out, err := MergeTemplate(&tpl, struct {
		Name string
		N    int
	}{Name: "Tom & <Jerry>", N: 7})
	require.NoError(t, err)
	assert.Equal(t, "<a>Tom &amp; &lt;Jerry&gt;</a><b>7</b>", string(out))
}
