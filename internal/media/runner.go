package media

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/convoflow/convoflow/internal/common/logger"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

// Runner dispatches side-jobs and reports their outcome through a
// callback. Every job is bounded by the configured timeout; a job that
// fails or times out resolves with degraded fallback content instead of
// blocking the conversation.
type Runner struct {
	transcriber Transcriber
	preparer    ImagePreparer
	timeout     time.Duration
	logger      *logger.Logger
}

// NewRunner creates a side-job runner.
func NewRunner(transcriber Transcriber, preparer ImagePreparer, timeout time.Duration, log *logger.Logger) *Runner {
	return &Runner{
		transcriber: transcriber,
		preparer:    preparer,
		timeout:     timeout,
		logger:      log.WithFields(zap.String("component", "media-runner")),
	}
}

// Dispatch runs the side-job for a message in the background and calls
// resolve exactly once when it finishes. Dispatch itself never blocks.
func (r *Runner) Dispatch(messageID string, kind v1.SideJobKind, mediaURL string, resolve func(v1.SideJobResult)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		result := r.run(ctx, kind, mediaURL)
		if result.Failed {
			r.logger.Warn("Side-job failed, using fallback content",
				zap.String("message_id", messageID),
				zap.String("kind", string(kind)),
				zap.String("error", result.Err))
		} else {
			r.logger.Debug("Side-job completed",
				zap.String("message_id", messageID),
				zap.String("kind", string(kind)))
		}
		resolve(result)
	}()
}

func (r *Runner) run(ctx context.Context, kind v1.SideJobKind, mediaURL string) v1.SideJobResult {
	switch kind {
	case v1.SideJobAudio:
		if r.transcriber == nil {
			return v1.SideJobResult{Content: AudioFallback, Failed: true, Err: "no transcriber configured"}
		}
		text, err := r.transcriber.Transcribe(ctx, mediaURL)
		if err != nil {
			return v1.SideJobResult{Content: AudioFallback, Failed: true, Err: err.Error()}
		}
		return v1.SideJobResult{Content: text}

	case v1.SideJobImage:
		if r.preparer == nil {
			return v1.SideJobResult{Content: ImageFallback, Failed: true, Err: "no image preparer configured"}
		}
		desc, err := r.preparer.Prepare(ctx, mediaURL)
		if err != nil {
			return v1.SideJobResult{Content: ImageFallback, Failed: true, Err: err.Error()}
		}
		return v1.SideJobResult{Content: desc}
	}

	return v1.SideJobResult{Content: AudioFallback, Failed: true, Err: "unknown side-job kind"}
}
