package agentclient

import (
	"bytes"
	"strconv"
)

// parseVmRSSKB extracts the VmRSS value (in KB) from the contents of
// /proc/<pid>/status.
func parseVmRSSKB(status []byte) int {
	const key = "VmRSS:"
	idx := bytes.Index(status, []byte(key))
	if idx < 0 {
		return 0
	}
	rest := status[idx+len(key):]
	end := bytes.IndexByte(rest, '\n')
	if end >= 0 {
		rest = rest[:end]
	}
	fields := bytes.Fields(rest)
	if len(fields) == 0 {
		return 0
	}
	kb, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return 0
	}
	return kb
}
