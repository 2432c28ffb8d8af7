// Package media runs the async side-jobs that turn audio and image
// messages into text the model can consume.
package media

import "context"

// Transcriber converts an audio message into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) (string, error)
}

// ImagePreparer produces a textual description of an image message.
type ImagePreparer interface {
	Prepare(ctx context.Context, mediaURL string) (string, error)
}

// Fallback content used when a side-job fails or times out. The message
// still joins the batch, just degraded.
const (
	AudioFallback = "[voice message, transcription unavailable]"
	ImageFallback = "[image, description unavailable]"
)
