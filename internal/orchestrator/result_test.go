// ABOUTME: Tests for result record extraction from worker output
// ABOUTME: Last well-formed result record wins; garbage lines are skipped

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
		found  bool
	}{
		{
			name:   "single result record",
			output: `{"type":"result","result":"ok"}`,
			want:   `{"type":"result","result":"ok"}`,
			found:  true,
		},
		{
			name: "last result wins",
			output: `{"type":"result","result":"first"}
{"type":"progress","step":2}
{"type":"result","result":"second"}`,
			want:  `{"type":"result","result":"second"}`,
			found: true,
		},
		{
			name: "trailing garbage skipped",
			output: `{"type":"result","result":"ok"}
{"type":"result","result":"trunca`,
			want:  `{"type":"result","result":"ok"}`,
			found: true,
		},
		{
			name:   "progress only",
			output: `{"type":"progress","step":1}`,
			found:  false,
		},
		{
			name:   "plain text",
			output: "just some log output\nanother line",
			found:  false,
		},
		{
			name:  "empty",
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ParseResult([]byte(tt.output))
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}
