package stt

import "time"

// Transcript is the transcription of one speech segment.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the detected or configured language, when the backend
	// reports it.
	Language string

	// Spans holds the backend's timed sub-segments when available. Times are
	// relative to the segment start.
	Spans []Span

	// Timestamp marks where the segment starts, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the segment.
	Duration time.Duration
}

// Span is one timed piece of a transcript.
type Span struct {
	Text  string
	Start time.Duration
	End   time.Duration
}
