// Package google implements capture.Transcriber with Google Cloud
// Speech-to-Text. Recorded utterances are sent as a single synchronous
// Recognize call.
package google

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/nadzzz/voicechat/internal/config"
)

type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// Transcriber sends utterances to Cloud Speech-to-Text.
type Transcriber struct {
	recognize  recognizeFunc
	sampleRate int32
	close      func() error
}

// New creates a Speech-to-Text client. With no credentials file configured
// the client relies on Application Default Credentials.
func New(ctx context.Context, cfg config.GoogleConfig) (*Transcriber, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &Transcriber{
		recognize: func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			return client.Recognize(ctx, req)
		},
		sampleRate: int32(cfg.SampleRateHertz),
		close:      client.Close,
	}, nil
}

// Name returns the backend identifier.
func (t *Transcriber) Name() string { return "google" }

// Transcribe recognizes one utterance and joins the top alternatives.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, contentType, language string) (string, error) {
	rc := &speechpb.RecognitionConfig{
		Encoding:     encodingFor(contentType),
		LanguageCode: language,
	}
	if rc.Encoding != speechpb.RecognitionConfig_LINEAR16 {
		rc.SampleRateHertz = t.sampleRate
	}

	resp, err := t.recognize(ctx, &speechpb.RecognizeRequest{
		Config: rc,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	})
	if err != nil {
		return "", fmt.Errorf("speech recognize: %w", err)
	}

	var sb strings.Builder
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(alts[0].GetTranscript()))
	}

	slog.Debug("speech recognize complete", "results", len(resp.GetResults()), "audio_bytes", len(audio))
	return sb.String(), nil
}

// Close releases the underlying gRPC connection.
func (t *Transcriber) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

func encodingFor(contentType string) speechpb.RecognitionConfig_AudioEncoding {
	switch {
	case strings.Contains(contentType, "ogg"):
		return speechpb.RecognitionConfig_OGG_OPUS
	case strings.Contains(contentType, "wav"):
		return speechpb.RecognitionConfig_LINEAR16
	default:
		return speechpb.RecognitionConfig_WEBM_OPUS
	}
}
