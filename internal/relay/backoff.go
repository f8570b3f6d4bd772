package relay

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// Backoff returns the reconnect delay after attempt consecutive failures:
// 1s, 2s, 4s, 8s, 16s, then 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = backoffInitial
	exp.Multiplier = 2
	exp.MaxInterval = backoffMax
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	d := exp.NextBackOff()
	for i := 0; i < attempt && d < backoffMax; i++ {
		d = exp.NextBackOff()
	}
	return d
}
