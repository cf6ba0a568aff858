package storage

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/timanema/hostblock/pkg/unix_time"
)

// Data file layout. Every line starts with its kind, all fields except the
// bookmark path have a fixed width and are right-justified with spaces.
//
//	d|addr(39)|lastact(20)|score(10)|count(10)|refused(10)|wl(1)|bl(1)
//	b|bookmark(20)|size(20)|path
//	r (rest of the original line blanked)
const (
	kindAddress   = 'd'
	kindBookmark  = 'b'
	kindTombstone = 'r'

	addressWidth   = 39
	timestampWidth = 20
	counterWidth   = 10
	offsetWidth    = 20

	addressFieldsOffset = 1 + addressWidth
	addressFieldsLen    = timestampWidth + 3*counterWidth + 2
	addressLineLen      = addressFieldsOffset + addressFieldsLen

	bookmarkFieldsOffset = 1
	bookmarkFieldsLen    = 2 * offsetWidth
	bookmarkPrefixLen    = bookmarkFieldsOffset + bookmarkFieldsLen
)

type recordKind int

const (
	malformedRecord recordKind = iota
	addressRecord
	bookmarkRecord
	tombstoneRecord
)

type record struct {
	kind recordKind

	address SuspiciousAddress

	path     string
	bookmark uint64
	size     uint64
}

// decodeLine decodes a single line without its trailing newline. It never
// fails, lines it can not make sense of are returned as malformed.
func decodeLine(line []byte) record {
	if len(line) == 0 {
		return record{kind: malformedRecord}
	}

	switch line[0] {
	case kindAddress:
		if len(line) != addressLineLen {
			return record{kind: malformedRecord}
		}

		f := line[addressFieldsOffset:]
		return record{
			kind: addressRecord,
			address: SuspiciousAddress{
				Address:       strings.TrimSpace(string(line[1:addressFieldsOffset])),
				LastActivity:  unix_time.FromUnix(parseUint(f[:timestampWidth])),
				ActivityScore: parseUint32(f[timestampWidth : timestampWidth+counterWidth]),
				ActivityCount: parseUint32(f[timestampWidth+counterWidth : timestampWidth+2*counterWidth]),
				RefusedCount:  parseUint32(f[timestampWidth+2*counterWidth : timestampWidth+3*counterWidth]),
				Whitelisted:   f[addressFieldsLen-2] == 'y',
				Blacklisted:   f[addressFieldsLen-1] == 'y',
			},
		}
	case kindBookmark:
		if len(line) < bookmarkPrefixLen {
			return record{kind: malformedRecord}
		}

		return record{
			kind:     bookmarkRecord,
			bookmark: parseUint(line[1 : 1+offsetWidth]),
			size:     parseUint(line[1+offsetWidth : bookmarkPrefixLen]),
			path:     strings.TrimSpace(string(line[bookmarkPrefixLen:])),
		}
	case kindTombstone:
		return record{kind: tombstoneRecord}
	}

	return record{kind: malformedRecord}
}

// parseUint reads the leading decimal digits of a space padded field. Fields
// without digits decode to 0, overly large values saturate.
func parseUint(field []byte) uint64 {
	field = bytes.TrimLeft(field, " ")
	end := 0
	for end < len(field) && field[end] >= '0' && field[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}

	v, err := strconv.ParseUint(string(field[:end]), 10, 64)
	if err != nil {
		return 1<<64 - 1
	}
	return v
}

func parseUint32(field []byte) uint32 {
	v := parseUint(field)
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func yesNo(b bool) byte {
	if b {
		return 'y'
	}
	return 'n'
}

func padLeft(buf []byte, s string, width int) []byte {
	for i := len(s); i < width; i++ {
		buf = append(buf, ' ')
	}
	return append(buf, s...)
}

// encodeAddressFields encodes everything after the address, this is the part
// of an address line that is patched in place.
func encodeAddressFields(a SuspiciousAddress) []byte {
	buf := make([]byte, 0, addressFieldsLen)
	buf = padLeft(buf, strconv.FormatUint(a.LastActivity.Unix(), 10), timestampWidth)
	buf = padLeft(buf, strconv.FormatUint(uint64(a.ActivityScore), 10), counterWidth)
	buf = padLeft(buf, strconv.FormatUint(uint64(a.ActivityCount), 10), counterWidth)
	buf = padLeft(buf, strconv.FormatUint(uint64(a.RefusedCount), 10), counterWidth)
	return append(buf, yesNo(a.Whitelisted), yesNo(a.Blacklisted))
}

// encodeAddress encodes a full address line including the newline.
func encodeAddress(a SuspiciousAddress) ([]byte, error) {
	if err := a.Valid(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, addressLineLen+1)
	buf = append(buf, kindAddress)
	buf = padLeft(buf, a.Address, addressWidth)
	buf = append(buf, encodeAddressFields(a)...)
	return append(buf, '\n'), nil
}

func encodeBookmarkFields(bookmark, size uint64) []byte {
	buf := make([]byte, 0, bookmarkFieldsLen)
	buf = padLeft(buf, strconv.FormatUint(bookmark, 10), offsetWidth)
	return padLeft(buf, strconv.FormatUint(size, 10), offsetWidth)
}

// encodeBookmark encodes a full bookmark line including the newline.
func encodeBookmark(path string, bookmark, size uint64) ([]byte, error) {
	if path == "" || strings.ContainsAny(path, "\r\n") || strings.TrimSpace(path) != path {
		return nil, errors.Wrapf(InvalidRecordErr, "log file path %q", path)
	}

	buf := make([]byte, 0, bookmarkPrefixLen+len(path)+1)
	buf = append(buf, kindBookmark)
	buf = append(buf, encodeBookmarkFields(bookmark, size)...)
	buf = append(buf, path...)
	return append(buf, '\n'), nil
}

// tombstone returns the replacement for a removed line of length n.
func tombstone(n int) []byte {
	buf := bytes.Repeat([]byte{' '}, n)
	buf[0] = kindTombstone
	return buf
}
