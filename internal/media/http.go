package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPTranscriber calls an external speech-to-text service.
type HTTPTranscriber struct {
	endpoint   string
	httpClient *http.Client
}

var _ Transcriber = (*HTTPTranscriber)(nil)

// NewHTTPTranscriber creates a transcriber against the given endpoint.
func NewHTTPTranscriber(endpoint string) *HTTPTranscriber {
	return &HTTPTranscriber{
		endpoint:   endpoint,
		httpClient: &http.Client{},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, mediaURL string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := postJSON(ctx, t.httpClient, t.endpoint, mediaURL, &out); err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return out.Text, nil
}

// HTTPImagePreparer calls an external image description service.
type HTTPImagePreparer struct {
	endpoint   string
	httpClient *http.Client
}

var _ ImagePreparer = (*HTTPImagePreparer)(nil)

// NewHTTPImagePreparer creates a preparer against the given endpoint.
func NewHTTPImagePreparer(endpoint string) *HTTPImagePreparer {
	return &HTTPImagePreparer{
		endpoint:   endpoint,
		httpClient: &http.Client{},
	}
}

func (p *HTTPImagePreparer) Prepare(ctx context.Context, mediaURL string) (string, error) {
	var out struct {
		Description string `json:"description"`
	}
	if err := postJSON(ctx, p.httpClient, p.endpoint, mediaURL, &out); err != nil {
		return "", fmt.Errorf("image preparation failed: %w", err)
	}
	return out.Description, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint, mediaURL string, out any) error {
	payload, err := json.Marshal(map[string]string{"url": mediaURL})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
