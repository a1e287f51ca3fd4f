package audio

import "errors"

// Sentinel errors shared across the audio pipeline. Components wrap these
// with fmt.Errorf("...: %w", err) so callers can match with errors.Is.
var (
	// ErrConfigInvalid reports a configuration value outside its valid
	// range, or a frame that does not match the configured format.
	ErrConfigInvalid = errors.New("audio: invalid configuration")

	// ErrWrongMode reports an operation that is not legal in the current
	// mode, such as queueing TTS audio while not speaking.
	ErrWrongMode = errors.New("audio: operation not valid in current mode")

	// ErrBackpressure reports audio shed because a bounded queue was full.
	// The pipeline keeps running; the loss is counted.
	ErrBackpressure = errors.New("audio: queue full")

	// ErrBusy reports a re-entrant call from inside an event callback.
	ErrBusy = errors.New("audio: operation re-entered from callback")

	// ErrNotInitialized reports use of a component that has not been
	// started, or has already been stopped.
	ErrNotInitialized = errors.New("audio: not initialized")

	// ErrAlreadyInitialized reports a second Start on a running component.
	ErrAlreadyInitialized = errors.New("audio: already initialized")
)
