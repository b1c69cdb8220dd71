package apxconn

import (
	"runtime"
	"strconv"
	"strings"
)

// goroutineID extracts the calling goroutine's id from its stack trace
// header ("goroutine 123 [running]: ..."). There is no supported API for
// this; it exists solely so Destroy can detect a worker trying to join
// itself (spec.md §5: "a worker thread must not be joined from itself").
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]

	fields := strings.Fields(string(buf))
	if len(fields) < 2 {
		return 0
	}

	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
