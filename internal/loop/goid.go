package loop

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineID parses the goroutine id from the runtime stack header
// ("goroutine 42 [running]:"). It is only used for owner assertions.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
