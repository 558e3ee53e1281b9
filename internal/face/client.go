package face

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable wraps transport failures from the face service.
var ErrUnavailable = errors.New("face service unavailable")

// Client calls the face recognition microservice. It satisfies Matcher so a
// deployment can run matching remotely instead of in-process.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// NewClient creates a client. Skip short-circuits every call with mock data
// for environments without the face service.
func NewClient(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// BestMatch sends the probe and candidate gallery to the service and returns
// the closest candidate.
func (c *Client) BestMatch(ctx context.Context, probe Descriptor, candidates map[string]Descriptor) (*Match, error) {
	if c.Skip {
		// Deterministic local fallback keeps dev flows working end to end.
		return Local{}.BestMatch(ctx, probe, candidates)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	gallery := make(map[string][]float32, len(candidates))
	for id, d := range candidates {
		gallery[id] = d[:]
	}
	body, _ := json.Marshal(map[string]any{
		"probe":      probe[:],
		"candidates": gallery,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/match", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, string(bodyBytes))
	}

	var out struct {
		StudentID string  `json:"student_id"`
		Distance  float64 `json:"distance"`
		Found     bool    `json:"found"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !out.Found {
		return nil, nil
	}
	return &Match{StudentID: out.StudentID, Distance: out.Distance}, nil
}

// Embed requests a descriptor for an image URL, used when enrolling a
// student's reference face.
func (c *Client) Embed(ctx context.Context, imageURL string) (Descriptor, error) {
	if c.Skip {
		return Descriptor{}, nil
	}
	if imageURL == "" {
		return Descriptor{}, fmt.Errorf("image url required")
	}

	body, _ := json.Marshal(map[string]string{"image_url": imageURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return Descriptor{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Descriptor{}, fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, string(bodyBytes))
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Descriptor{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return Descriptor{}, fmt.Errorf("no face detected in image")
	}
	return ParseDescriptor(out.Embedding)
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)
	}
	return nil
}
