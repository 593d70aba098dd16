package mstp

import "time"

// Silence thresholds from the MS/TP state machine tables (§9 GLOSSARY,
// §4.3). All are milliseconds; Tno_token also scales with the station's
// own address so that lower-addressed stations notice bus silence
// first.
const (
	// TframeAbort is the inter-octet gap, mid-frame, that aborts a
	// frame in progress.
	TframeAbort = 60 * time.Millisecond

	// TnoTokenBase is the silence threshold in IDLE before a master
	// assumes the token has been lost; the station's own address adds
	// 10ms per station so the lowest address reacts first.
	TnoTokenBase = 500 * time.Millisecond

	// TreplyDelay bounds how long ANSWER_DATA_REQUEST may take before
	// it must answer (with data or Reply-Postponed).
	TreplyDelay = 250 * time.Millisecond

	// Npoll is the number of times a master finishes with the token
	// before it polls for a successor.
	Npoll = 50

	// DefaultMaxMaster is Nmax_master's default value.
	DefaultMaxMaster uint8 = 127

	// DefaultMaxInfoFrames is Nmax_info_frames's default value.
	DefaultMaxInfoFrames uint8 = 1

	// DefaultTreplyTimeout and DefaultTusageTimeout are the
	// user-configurable defaults within their allowed ranges
	// (255-300ms and 20-100ms respectively).
	DefaultTreplyTimeout = 255 * time.Millisecond
	DefaultTusageTimeout = 20 * time.Millisecond
)

// TnoToken returns the IDLE silence threshold for a station at the given
// address.
func TnoToken(thisStation uint8) time.Duration {
	return TnoTokenBase + time.Duration(10*int(thisStation))*time.Millisecond
}

// ClampTreplyTimeout keeps a configured reply timeout within the
// 255-300ms range the standard allows.
func ClampTreplyTimeout(d time.Duration) time.Duration {
	switch {
	case d < 255*time.Millisecond:
		return 255 * time.Millisecond
	case d > 300*time.Millisecond:
		return 300 * time.Millisecond
	default:
		return d
	}
}

// ClampTusageTimeout keeps a configured usage timeout within the
// 20-100ms range the standard allows.
func ClampTusageTimeout(d time.Duration) time.Duration {
	switch {
	case d < 20*time.Millisecond:
		return 20 * time.Millisecond
	case d > 100*time.Millisecond:
		return 100 * time.Millisecond
	default:
		return d
	}
}

// SilenceTimer is the monotonic "ms since last octet seen" primitive.
// It must survive wall-clock adjustments, so it is built on
// time.Now()'s monotonic reading rather than wall time.
type SilenceTimer struct {
	start time.Time
}

// NewSilenceTimer returns a timer reset to zero.
func NewSilenceTimer() *SilenceTimer {
	return &SilenceTimer{start: time.Now()}
}

// Reset zeroes the timer; called on every octet sent or received.
func (s *SilenceTimer) Reset() {
	s.start = time.Now()
}

// Elapsed returns the time since the last Reset.
func (s *SilenceTimer) Elapsed() time.Duration {
	return time.Since(s.start)
}
