package util

import (
	"context"
	"time"
)

// Retry runs fn up to attempts times, sleeping backoff*attempt between
// failures. The last error is returned when all attempts fail. A cancelled
// context stops retrying early.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff * time.Duration(i)):
		}
	}
	return err
}
