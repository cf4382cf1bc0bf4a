package postcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dialhouse/callengine/internal/httpx"
)

// TelephonyDetailClient fetches post-call detail from the telephony backend's
// REST API.
type TelephonyDetailClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewTelephonyDetailClient creates a detail fetcher against the given backend.
func NewTelephonyDetailClient(baseURL, apiKey string, poolSize int) *TelephonyDetailClient {
	return &TelephonyDetailClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httpx.NewPooledClient(poolSize, 15*time.Second),
	}
}

// FetchDetail implements DetailFetcher.
func (c *TelephonyDetailClient) FetchDetail(ctx context.Context, callRef string) (*CallDetail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/calls/"+callRef+"/detail", nil)
	if err != nil {
		return nil, fmt.Errorf("create detail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detail request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detail status %d: %s", resp.StatusCode, respBody)
	}

	var out struct {
		RecordingURL    string `json:"recording_url"`
		StartedAt       string `json:"started_at"`
		EndedAt         string `json:"ended_at"`
		DurationSeconds int    `json:"duration_seconds"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detail response: %w", err)
	}

	detail := &CallDetail{
		RecordingURL:    out.RecordingURL,
		DurationSeconds: out.DurationSeconds,
	}
	if ts, parseErr := time.Parse(time.RFC3339, out.StartedAt); parseErr == nil {
		detail.StartedAt = ts
	}
	if ts, parseErr := time.Parse(time.RFC3339, out.EndedAt); parseErr == nil {
		detail.EndedAt = ts
	}
	return detail, nil
}

// StorageRelocator asks the long-term storage service to pull the recording
// from the provider URL and keep it.
type StorageRelocator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStorageRelocator creates a relocator against the storage service.
func NewStorageRelocator(baseURL, apiKey string, poolSize int) *StorageRelocator {
	return &StorageRelocator{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httpx.NewPooledClient(poolSize, 60*time.Second),
	}
}

// Relocate implements Relocator.
func (c *StorageRelocator) Relocate(ctx context.Context, recordingURL, sessionID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"source_url": recordingURL,
		"session_id": sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal relocation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/recordings", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create relocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("relocation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("relocation status %d: %s", resp.StatusCode, respBody)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode relocation response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("relocation returned empty url")
	}
	return out.URL, nil
}
