package config

import (
	"runtime"
	"time"
)

// defaultWorkerCount mirrors the original's behavior of sizing the
// Worker Pool to the number of available CPUs when --workers is not set.
func defaultWorkerCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
