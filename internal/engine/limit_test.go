package engine

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedBuffer(t *testing.T) {
	tests := []struct {
		name      string
		limit     int64
		writes    []string
		want      string
		truncated bool
	}{
		{"unlimited", 0, []string{"hello ", "world"}, "hello world", false},
		{"under limit", 16, []string{"hello ", "world"}, "hello world", false},
		{"exactly at limit", 5, []string{"hello"}, "hello", false},
		{"cut mid write", 8, []string{"hello ", "world"}, "hello wo", true},
		{"writes after the limit are dropped", 5, []string{"hello", "world", "again"}, "hello", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := LimitedBuffer{Limit: tt.limit}
			for _, w := range tt.writes {
				n, err := b.WriteString(w)
				require.NoError(t, err)
				assert.Equal(t, len(w), n, "writers never see a short write")
			}
			assert.Equal(t, tt.want, string(b.Bytes()))
			assert.Equal(t, tt.truncated, b.Truncated())
		})
	}
}

func TestLimitedBufferAsFprintfTarget(t *testing.T) {
	b := LimitedBuffer{Limit: 4}
	fmt.Fprintf(&b, "%d lines\n", 1000)
	assert.Equal(t, "1000", string(b.Bytes()))
	assert.True(t, b.Truncated())
	assert.Equal(t, 4, b.Len())
}

func TestReadLimited(t *testing.T) {
	data, err := readLimited(strings.NewReader("small file"), "/app/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "small file", string(data))

	exact := bytes.Repeat([]byte("x"), MaxReadBytes)
	data, err = readLimited(bytes.NewReader(exact), "/app/exact.bin")
	require.NoError(t, err)
	assert.Len(t, data, MaxReadBytes)

	_, err = readLimited(bytes.NewReader(append(exact, 'y')), "/app/big.bin")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Contains(t, err.Error(), "/app/big.bin")
}
