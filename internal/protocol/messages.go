package protocol

import "time"

// AudioFrame carries PCM16LE audio published by capture devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is a recognition result broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

type RecognitionError struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState announces a recognition session state transition.
type SessionState struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelProgress reports download and install progress for one model key.
type ModelProgress struct {
	Key             string    `json:"key"`
	State           string    `json:"state"`
	Fraction        float64   `json:"fraction"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectRecognitionError  = "stt.error"
	SubjectSessionState      = "stt.session.state"
	SubjectModelProgress     = "models.progress"
)
