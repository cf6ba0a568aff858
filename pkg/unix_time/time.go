// Package unix_time is used to use unix timestamps in the external API and the data file, while the internal Go code
// can still use time.Time
package unix_time

import (
	"strconv"
	"time"
)

type Time time.Time

// maxUnix is the largest timestamp time.Time represents without overflowing.
const maxUnix = 1<<63 - 1 - 62135596800

// FromUnix converts a stored unix timestamp, values beyond maxUnix are clamped.
func FromUnix(sec uint64) Time {
	if sec > maxUnix {
		sec = maxUnix
	}
	return Time(time.Unix(int64(sec), 0))
}

func Now() Time {
	return Time(time.Now().Truncate(time.Second))
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(t.Unix(), 10)), nil
}

func (t *Time) UnmarshalJSON(s []byte) (err error) {
	r := string(s)
	q, err := strconv.ParseUint(r, 10, 64)
	if err != nil {
		return err
	}
	*t = FromUnix(q)
	return nil
}

func (t Time) Time() time.Time {
	return time.Time(t).UTC()
}

// Unix returns the timestamp as stored on disk, times before the epoch (including the zero Time) map to 0.
func (t Time) Unix() uint64 {
	sec := time.Time(t).Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}
