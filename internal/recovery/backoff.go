package recovery

import "time"

// Backoff computes the exponential delay for the given 1-indexed
// attempt number: base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(uint(1)<<uint(attempt-1))
}
