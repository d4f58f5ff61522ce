package process

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	jobPIDPattern   = regexp.MustCompile(`(?m)^\[\d+\]\s+(\d+)\s*$`)
	labelPIDPattern = regexp.MustCompile(`(?i)\bpid[:=]?\s+(\d+)|\bpid[:=](\d+)`)
)

// ParseBackgroundPID extracts the pid a background command reported in its
// tool output. It accepts a JSON object with a "pid" field, shell job
// notation ("[1] 4242") and "PID: 4242" text.
func ParseBackgroundPID(output string) (int, bool) {
	output = strings.TrimSpace(output)
	if output == "" {
		return 0, false
	}
	if strings.HasPrefix(output, "{") {
		var payload struct {
			PID json.Number `json:"pid"`
		}
		if err := json.Unmarshal([]byte(output), &payload); err == nil && payload.PID != "" {
			if pid, err := strconv.Atoi(payload.PID.String()); err == nil && pid > 0 {
				return pid, true
			}
		}
	}
	if m := jobPIDPattern.FindStringSubmatch(output); m != nil {
		return positive(m[1])
	}
	if m := labelPIDPattern.FindStringSubmatch(output); m != nil {
		if m[1] != "" {
			return positive(m[1])
		}
		return positive(m[2])
	}
	return 0, false
}

func positive(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
