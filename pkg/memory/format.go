package memory

import (
	"math"
	"strconv"
	"strings"

	"github.com/ajitpratap0/memcap/pkg/errors"
)

// Byte unit sizes, base 1024.
const (
	KB int64 = 1 << 10
	MB int64 = 1 << 20
	GB int64 = 1 << 30
)

// FormatBytes renders n using the largest unit of B, KB, MB or GB whose
// scaled value is at least 1. Byte counts are printed as integers ("0B",
// "1023B"); larger units always carry two decimals ("1.00KB", "5.00MB").
//
// The two-decimal value is the correctly rounded decimal of the binary
// quotient (strconv 'f' formatting), so exact ties round to even. The output
// is embedded verbatim in cap-exceeded diagnostics and must stay stable.
func FormatBytes(n int64) string {
	sign := ""
	mag := uint64(n)
	if n < 0 {
		sign = "-"
		mag = uint64(-(n + 1)) + 1
	}

	switch {
	case mag >= uint64(GB):
		return sign + scaled(mag, GB) + "GB"
	case mag >= uint64(MB):
		return sign + scaled(mag, MB) + "MB"
	case mag >= uint64(KB):
		return sign + scaled(mag, KB) + "KB"
	default:
		return sign + strconv.FormatUint(mag, 10) + "B"
	}
}

func scaled(mag uint64, unit int64) string {
	return strconv.FormatFloat(float64(mag)/float64(unit), 'f', 2, 64)
}

// ParseBytes is the inverse of FormatBytes for user input: an integer or
// decimal number with an optional B, KB, MB or GB suffix (base 1024, case
// insensitive). "5MB", "1.5 GB" and "4096" are all accepted.
func ParseBytes(s string) (int64, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	unit := int64(1)
	for _, u := range []struct {
		suffix string
		size   int64
	}{{"GB", GB}, {"MB", MB}, {"KB", KB}, {"B", 1}} {
		if strings.HasSuffix(in, u.suffix) {
			in = strings.TrimSpace(strings.TrimSuffix(in, u.suffix))
			unit = u.size
			break
		}
	}
	v, err := strconv.ParseFloat(in, 64)
	if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.Newf(errors.ErrorTypeValidation, "invalid byte size %q", s)
	}
	n := v * float64(unit)
	if n > math.MaxInt64 {
		return 0, errors.Newf(errors.ErrorTypeValidation, "byte size %q overflows", s)
	}
	return int64(math.Round(n)), nil
}
