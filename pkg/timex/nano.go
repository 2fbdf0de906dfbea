package timex

import (
	"time"
	_ "unsafe"
)

//go:noescape
//go:linkname NanoTime runtime.nanotime
func NanoTime() int64

func Since(start int64) int64 {
	return NanoTime() - start
}

func SinceDur(start int64) time.Duration {
	return time.Duration(NanoTime() - start)
}
