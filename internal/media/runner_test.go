package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/common/logger"
	v1 "github.com/convoflow/convoflow/pkg/api/v1"
)

type fakeTranscriber struct {
	text  string
	err   error
	delay time.Duration
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

type fakePreparer struct {
	desc string
	err  error
}

func (f *fakePreparer) Prepare(ctx context.Context, mediaURL string) (string, error) {
	return f.desc, f.err
}

func newRunner(t *testing.T, tr Transcriber, pr ImagePreparer, timeout time.Duration) *Runner {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return NewRunner(tr, pr, timeout, log)
}

func awaitResult(t *testing.T, ch <-chan v1.SideJobResult) v1.SideJobResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("side-job did not resolve")
		return v1.SideJobResult{}
	}
}

func TestRunner_AudioSuccess(t *testing.T) {
	r := newRunner(t, &fakeTranscriber{text: "hello from audio"}, nil, time.Second)

	ch := make(chan v1.SideJobResult, 1)
	r.Dispatch("msg-1", v1.SideJobAudio, "https://media/a.ogg", func(res v1.SideJobResult) {
		ch <- res
	})

	res := awaitResult(t, ch)
	assert.False(t, res.Failed)
	assert.Equal(t, "hello from audio", res.Content)
}

func TestRunner_ImageSuccess(t *testing.T) {
	r := newRunner(t, nil, &fakePreparer{desc: "a sunny beach"}, time.Second)

	ch := make(chan v1.SideJobResult, 1)
	r.Dispatch("msg-1", v1.SideJobImage, "https://media/i.jpg", func(res v1.SideJobResult) {
		ch <- res
	})

	res := awaitResult(t, ch)
	assert.False(t, res.Failed)
	assert.Equal(t, "a sunny beach", res.Content)
}

func TestRunner_FailureUsesFallback(t *testing.T) {
	r := newRunner(t, &fakeTranscriber{err: errors.New("stt unavailable")}, nil, time.Second)

	ch := make(chan v1.SideJobResult, 1)
	r.Dispatch("msg-1", v1.SideJobAudio, "https://media/a.ogg", func(res v1.SideJobResult) {
		ch <- res
	})

	res := awaitResult(t, ch)
	assert.True(t, res.Failed)
	assert.Equal(t, AudioFallback, res.Content)
	assert.Contains(t, res.Err, "stt unavailable")
}

func TestRunner_TimeoutUsesFallback(t *testing.T) {
	r := newRunner(t, &fakeTranscriber{text: "too late", delay: time.Second}, nil, 20*time.Millisecond)

	ch := make(chan v1.SideJobResult, 1)
	start := time.Now()
	r.Dispatch("msg-1", v1.SideJobAudio, "https://media/a.ogg", func(res v1.SideJobResult) {
		ch <- res
	})

	res := awaitResult(t, ch)
	assert.True(t, res.Failed)
	assert.Equal(t, AudioFallback, res.Content)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRunner_MissingProcessor(t *testing.T) {
	r := newRunner(t, nil, nil, time.Second)

	ch := make(chan v1.SideJobResult, 1)
	r.Dispatch("msg-1", v1.SideJobImage, "https://media/i.jpg", func(res v1.SideJobResult) {
		ch <- res
	})

	res := awaitResult(t, ch)
	assert.True(t, res.Failed)
	assert.Equal(t, ImageFallback, res.Content)
}
