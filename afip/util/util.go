package util

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "afip.util")

// DebugEnabled turns on logging of full wire payloads.
func DebugEnabled() bool {
	return etb("AFIP_DEBUG")
}

func etb(envName string) bool {
	v, ok := os.LookupEnv(envName)
	if !ok {
		return false
	}

	bv, err := strconv.ParseBool(v)

	return err == nil && bv
}

func GetEnvOrFailed(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		logger.Fatal(key, " environment variable is not set")
	}
	return v
}

// ArgentinaTime is the zone the authority expects local timestamps in.
// Argentina does not observe daylight saving, a fixed offset is exact.
var ArgentinaTime = time.FixedZone("ART", -3*60*60)

// CompactDate formats the day instant t falls on in Argentina, as yyyymmdd.
func CompactDate(t time.Time) string {
	return t.In(ArgentinaTime).Format("20060102")
}

// CalendarDate formats a date value as yyyymmdd in its own zone. Dates chosen
// by callers (service periods, due dates) are calendar days, not instants.
func CalendarDate(t time.Time) string {
	return t.Format("20060102")
}

// ParseCompactDate parses a yyyymmdd date in Argentina time.
func ParseCompactDate(s string) (time.Time, error) {
	return time.ParseInLocation("20060102", s, ArgentinaTime)
}
