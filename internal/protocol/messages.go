package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge microphones.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Backend   string    `json:"backend"`
	Sequence  uint64    `json:"sequence"`
	FellBack  bool      `json:"fell_back,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelStatus reports a model variant state change.
type ModelStatus struct {
	VariantID string    `json:"variant_id"`
	Phase     string    `json:"phase"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NoteSaved announces a persisted note.
type NoteSaved struct {
	NoteID    string    `json:"note_id"`
	SessionID string    `json:"session_id"`
	TopicID   string    `json:"topic_id,omitempty"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// Capability is one service a node offers.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce advertises a node and everything it currently offers.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat tells listeners the node is still alive.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
	SubjectAudioFramePrefix    = "audio.frame"
	SubjectTranscriptPartial   = "stt.text.partial"
	SubjectTranscriptFinal     = "stt.text.final"
	SubjectModelStatus         = "models.status"
	SubjectNoteSaved           = "notes.saved"
)
