// ABOUTME: Extracts the final structured result from captured worker output
// ABOUTME: Scans backwards for the last well-formed result record

package orchestrator

import (
	"encoding/json"
	"strings"
)

// ParseResult scans the worker's output for the last line that is a
// well-formed JSON object with "type": "result" and returns it verbatim.
// Workers emit one JSON record per line; progress records precede the
// final result record.
func ParseResult(output []byte) (string, bool) {
	lines := strings.Split(string(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		if recordType, ok := record["type"].(string); ok && recordType == "result" {
			return line, true
		}
	}
	return "", false
}
