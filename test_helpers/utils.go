package test_helpers

import (
	"time"
)

// Retry calls f up to count times with timeout between calls until it
// returns nil. It returns the last error.
func Retry(f func() error, count int, timeout time.Duration) error {
	var err error

	for i := 0; ; i++ {
		err = f()
		if err == nil {
			return err
		}

		if i >= (count - 1) {
			break
		}

		time.Sleep(timeout)
	}

	return err
}
