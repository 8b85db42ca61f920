// Package speech synthesizes narration audio through an OpenAI-compatible
// text-to-speech endpoint and stores the result.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"slidegen/internal/domain"
)

const (
	apiSpeech          = "/audio/speech"
	defaultModel       = "tts-1"
	defaultVoice       = "alloy"
	defaultFormat      = "mp3"
	defaultTimeout     = 60 * time.Second
	maxInputCharacters = 4096
)

var contentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
}

type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Voice      string
	Format     string
	HTTPClient *http.Client
}

// Client talks to the speech endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	voice      string
	format     string
	httpClient *http.Client
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// errorResponse covers both the OpenAI error envelope and the
// {"detail","error_code"} shape used by self-hosted TTS servers.
type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if _, ok := contentTypes[format]; !ok {
		format = defaultFormat
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      firstNonEmpty(opts.Model, defaultModel),
		voice:      firstNonEmpty(opts.Voice, defaultVoice),
		format:     format,
		httpClient: client,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Format returns the audio container extension, e.g. "mp3".
func (c *Client) Format() string { return c.format }

// ContentType returns the MIME type of the audio produced.
func (c *Client) ContentType() string { return contentTypes[c.format] }

// ContentTypeFor maps an audio file extension (with or without the dot) to
// its media type. Unknown extensions return "".
func ContentTypeFor(ext string) string {
	return contentTypes[strings.ToLower(strings.TrimPrefix(ext, "."))]
}

// GenerateSpeech returns raw audio bytes for text. An empty voice uses the
// configured default.
func (c *Client) GenerateSpeech(ctx context.Context, text, voice string) ([]byte, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("speech: %w", domain.ErrNotConfigured)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("speech: %w: text cannot be empty", domain.ErrInvalidRequest)
	}
	if r := []rune(text); len(r) > maxInputCharacters {
		text = string(r[:maxInputCharacters])
	}

	body, err := json.Marshal(speechRequest{
		Model:          c.model,
		Input:          text,
		Voice:          firstNonEmpty(voice, c.voice),
		ResponseFormat: c.format,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSpeech, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("speech: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech: %w: %w", domain.ErrProviderFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("speech: %w: read audio: %w", domain.ErrProviderFailure, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("speech: %w: %w", domain.ErrProviderFailure, errors.New("received empty audio data"))
	}
	return audio, nil
}

func parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr errorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil {
		switch {
		case apiErr.Error != nil && apiErr.Error.Message != "":
			return fmt.Errorf("speech: %w: %s: %s", domain.ErrProviderFailure, resp.Status, apiErr.Error.Message)
		case apiErr.Detail != "":
			return fmt.Errorf("speech: %w: %s: %s (code: %s)", domain.ErrProviderFailure, resp.Status, apiErr.Detail, apiErr.ErrorCode)
		}
	}
	return fmt.Errorf("speech: %w: %s: %s", domain.ErrProviderFailure, resp.Status, strings.TrimSpace(string(raw)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
