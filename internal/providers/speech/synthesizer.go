package speech

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"slidegen/internal/domain"
)

// Request is one narration to synthesize.
type Request struct {
	JobID string
	Index int
	Text  string
	Voice string
}

// AudioStore persists audio and returns a reference clients can fetch.
type AudioStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Synthesizer generates audio and stores it, returning the audio reference.
type Synthesizer struct {
	client *Client
	store  AudioStore
	newID  func() string
}

func NewSynthesizer(client *Client, store AudioStore) *Synthesizer {
	return &Synthesizer{client: client, store: store, newID: uuid.NewString}
}

// Configured reports whether both the endpoint and a store are available.
func (s *Synthesizer) Configured() bool {
	return s != nil && s.client.Configured() && s.store != nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (string, error) {
	if !s.Configured() {
		return "", fmt.Errorf("speech: %w", domain.ErrNotConfigured)
	}
	audio, err := s.client.GenerateSpeech(ctx, req.Text, req.Voice)
	if err != nil {
		return "", err
	}
	ref, err := s.store.Save(ctx, AudioKey(req.JobID, req.Index, s.newID(), s.client.Format()), audio, s.client.ContentType())
	if err != nil {
		return "", fmt.Errorf("speech: store audio: %w", err)
	}
	return ref, nil
}

// AudioKey lays audio out per job so a lesson's files sit together.
func AudioKey(jobID string, index int, id, format string) string {
	if jobID == "" {
		jobID = "adhoc"
	}
	return fmt.Sprintf("audio/%s/%03d-%s.%s", jobID, index, id, format)
}
