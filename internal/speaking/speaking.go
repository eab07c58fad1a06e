// Package speaking implements the audio-level hysteresis detector: a
// pure function over a per-session rolling-window accumulator, with no
// state or I/O of its own. The caller (the relay hot path) owns the
// accumulator inside the switchboard's SessionState and decides what to
// do with the returned transition.
package speaking

import "github.com/flowmesh/switchboard/internal/switchboard"

// Transition is the detector's verdict for the packet that just closed a
// window, or no transition at all.
type Transition int

const (
	// NoTransition: either the window has not closed yet, or the average
	// stayed inside the hysteresis band.
	NoTransition Transition = iota
	Started
	Stopped
)

// Thresholds configures the window size and the two hysteresis bounds.
// Lower numeric audio level means louder sound, per the RFC 6464
// audio-level header extension this is computed from.
type Thresholds struct {
	ActivePackets      int
	SpeakingAverage    int64
	NotSpeakingAverage int64
}

// Process folds one audio packet's level into acc — the accumulator
// living inside the publisher's switchboard.SessionState — and, if this
// closes a window, returns the resulting transition (or NoTransition if
// the average stayed within the hysteresis band). acc is mutated in
// place; the caller holds the switchboard write lock while calling this
// (see switchboard.WithState).
func Process(acc *switchboard.SpeakingAccumulator, level int64, th Thresholds) Transition {
	acc.PacketsCount++
	acc.AudioLevelSum += level

	if acc.PacketsCount < th.ActivePackets {
		return NoTransition
	}

	avg := acc.AudioLevelSum / int64(th.ActivePackets)
	acc.PacketsCount = 0
	acc.AudioLevelSum = 0

	switch {
	case !acc.IsSpeaking && avg < th.SpeakingAverage:
		acc.IsSpeaking = true
		return Started
	case acc.IsSpeaking && avg > th.NotSpeakingAverage:
		acc.IsSpeaking = false
		return Stopped
	default:
		return NoTransition
	}
}
