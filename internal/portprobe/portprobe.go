// Package portprobe resolves the debug inspector port an extension host
// advertises back to the client after it starts. The desired port comes
// from the client as a hint, not a guarantee — another process may already
// hold it — so the probe walks forward a handful of candidates before
// giving up.
package portprobe

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// ==============================================================================
// 1. Probe Configuration
// ==============================================================================

const (
	maxAttempts = 10
	maxWindow   = 5 * time.Second
)

// ==============================================================================
// 2. Resolve
// ==============================================================================

// Resolve finds a bindable loopback port starting at desired, trying up to
// maxAttempts sequential ports within maxWindow of wall-clock time. It
// returns the first port it could bind and immediately release, or an
// error if nothing opened up in time.
func Resolve(desired int, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	deadline := time.Now().Add(maxWindow)
	candidate := desired

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}

		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(candidate)))
		if err == nil {
			ln.Close()
			if attempt > 0 {
				logger.Warn("debug port unavailable, probed forward",
					slog.Int("requested", desired),
					slog.Int("resolved", candidate),
				)
			}
			return candidate, nil
		}

		logger.Debug("debug port bind attempt failed",
			slog.Int("port", candidate),
			slog.String("error", err.Error()),
		)
		candidate++
	}

	return 0, fmt.Errorf("portprobe: no free port found near %d after %d attempts", desired, maxAttempts)
}
