package memory

import (
	"fmt"
	"testing"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0B"},
		{1, "1B"},
		{1023, "1023B"},
		{1024, "1.00KB"},
		{1536, "1.50KB"},
		{12 * 1024, "12.00KB"},
		{MB - 1, "1024.00KB"},
		{MB, "1.00MB"},
		{5 * MB, "5.00MB"},
		{5*MB + 5*MB/1000, "5.00MB"},
		{12 * MB, "12.00MB"},
		{GB, "1.00GB"},
		{3 * GB, "3.00GB"},
		{2048 * GB, "2048.00GB"},
		{-2 * KB, "-2.00KB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatBytes(tt.in))
		})
	}
}

func TestFormatBytesRoundsToTwoDecimals(t *testing.T) {
	// 1029B is 1.0049KB
	assert.Equal(t, "1.00KB", FormatBytes(1029))
	// 1.125KB is an exact binary tie and rounds to even
	assert.Equal(t, "1.12KB", FormatBytes(1152))
	assert.Equal(t, "1.38KB", FormatBytes(1408))
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"4096", 4096},
		{"12B", 12},
		{"5MB", 5 * MB},
		{"5mb", 5 * MB},
		{"1.5 GB", 3 * GB / 2},
		{" 512KB ", 512 * KB},
	}
	for _, tt := range tests {
		got, err := ParseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "MB", "-1MB", "five", "1e400"} {
		_, err := ParseBytes(bad)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), bad)
	}

	n, err := ParseBytes(FormatBytes(12 * MB))
	require.NoError(t, err)
	assert.Equal(t, 12*MB, n)
}

func ExampleFormatBytes() {
	fmt.Println(FormatBytes(0))
	fmt.Println(FormatBytes(12288))
	fmt.Println(FormatBytes(5 * MB))
	// Output:
	// 0B
	// 12.00KB
	// 5.00MB
}
