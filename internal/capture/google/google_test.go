package google

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscribe_JoinsResults(t *testing.T) {
	var got *speechpb.RecognizeRequest
	tr := &Transcriber{
		sampleRate: 48000,
		recognize: func(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
			got = req
			return &speechpb.RecognizeResponse{Results: []*speechpb.SpeechRecognitionResult{
				{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "what's the "}}},
				{},
				{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "weather"}, {Transcript: "whether"}}},
			}}, nil
		},
	}

	text, err := tr.Transcribe(context.Background(), []byte{1, 2, 3}, "audio/webm;codecs=opus", "en-US")
	require.NoError(t, err)
	assert.Equal(t, "what's the weather", text)

	assert.Equal(t, speechpb.RecognitionConfig_WEBM_OPUS, got.GetConfig().GetEncoding())
	assert.Equal(t, int32(48000), got.GetConfig().GetSampleRateHertz())
	assert.Equal(t, "en-US", got.GetConfig().GetLanguageCode())
	assert.Equal(t, []byte{1, 2, 3}, got.GetAudio().GetContent())
}

func TestTranscribe_Error(t *testing.T) {
	tr := &Transcriber{recognize: func(context.Context, *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return nil, errors.New("permission denied")
	}}
	_, err := tr.Transcribe(context.Background(), []byte{1}, "audio/ogg", "en-US")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestEncodingFor(t *testing.T) {
	assert.Equal(t, speechpb.RecognitionConfig_OGG_OPUS, encodingFor("audio/ogg;codecs=opus"))
	assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, encodingFor("audio/wav"))
	assert.Equal(t, speechpb.RecognitionConfig_WEBM_OPUS, encodingFor("audio/webm"))
}
