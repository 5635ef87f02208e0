package progress

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct{ read, total int64 }

func TestReader(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		total    int64
		interval int64
		want     []report
	}{
		{
			name:     "reports every interval and at EOF",
			input:    strings.Repeat("a", 25),
			total:    25,
			interval: 10,
			want:     []report{{10, 25}, {20, 25}, {25, 25}},
		},
		{
			name:     "no duplicate report when EOF lands on interval",
			input:    strings.Repeat("a", 20),
			total:    -1,
			interval: 10,
			want:     []report{{10, -1}, {20, -1}},
		},
		{
			name:     "zero interval reports only at EOF",
			input:    "hello",
			total:    5,
			interval: 0,
			want:     []report{{5, 5}},
		},
		{
			name:     "empty stream",
			input:    "",
			total:    0,
			interval: 10,
			want:     []report{{0, 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []report

			pr := NewReader(io.LimitReader(strings.NewReader(tt.input), int64(len(tt.input))), tt.total, tt.interval,
				func(read, total int64) { got = append(got, report{read, total}) })

			buf := make([]byte, 10)
			for {
				_, err := pr.Read(buf)
				if err == io.EOF {
					break
				}

				require.NoError(t, err)
			}

			assert.Equal(t, tt.want, got)
			assert.Equal(t, int64(len(tt.input)), pr.BytesRead())
		})
	}
}
