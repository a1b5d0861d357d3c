package session

import (
	"github.com/nadzzz/voicechat/internal/controller"
	"github.com/nadzzz/voicechat/internal/transcript"
)

// Capabilities are the speech features the browser announces in hello.
type Capabilities struct {
	SpeechRecognition  bool `json:"speech_recognition"`
	SpeechSynthesis    bool `json:"speech_synthesis"`
	SynthesisEndEvents bool `json:"synthesis_end_events"`
	MediaRecorder      bool `json:"media_recorder"`
}

// inbound is any JSON frame sent by the browser. Only the fields relevant
// to Type are set.
type inbound struct {
	Type         string       `json:"type"`
	Text         string       `json:"text,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	ContentType  string       `json:"content_type,omitempty"`
	ID           uint64       `json:"id,omitempty"`
	Message      string       `json:"message,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Inbound frame types.
const (
	typeHello          = "hello"
	typeSubmitText     = "submit_text"
	typeToggleVoice    = "toggle_voice"
	typeCaptureStarted = "capture.started"
	typeCaptureResult  = "capture.result"
	typeCaptureError   = "capture.error"
	typeCaptureEnded   = "capture.ended"
	typeAudioEnd       = "capture.audio_end"
	typePlaybackEnded  = "playback.ended"
	typePlaybackError  = "playback.error"
)

type viewFrame struct {
	Type  string            `json:"type"`
	State controller.State  `json:"state"`
	Turns []transcript.Turn `json:"turns"`
}

type noticeFrame struct {
	Type    string                `json:"type"`
	Kind    controller.NoticeKind `json:"kind"`
	Message string                `json:"message"`
}

type rejectedFrame struct {
	Type    string `json:"type"`
	Intent  string `json:"intent"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rejection codes.
const (
	codeBusy        = "busy"
	codeEmptyInput  = "empty_input"
	codeRateLimited = "rate_limited"
	codeInternal    = "internal"
)
