package protocol

import "time"

// TTSRequest asks a synthesizer on the bus to render one piece of text.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
}

// TTSAck is the immediate reply to a TTSRequest.
type TTSAck struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
}

// AudioChunk carries encoded audio for one session.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Audio      []byte `json:"audio"`
	Final      bool   `json:"final"`
}

// TTSStatus closes a session. Error is set when synthesis failed.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EnqueueRequest submits documents over the bus.
type EnqueueRequest struct {
	Documents []EnqueueDocument `json:"documents"`
}

type EnqueueDocument struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// EnqueueReply lists the admitted items and how many names were skipped.
type EnqueueReply struct {
	Admitted []AdmittedItem `json:"admitted"`
	Skipped  int            `json:"skipped"`
	Error    string         `json:"error,omitempty"`
}

type AdmittedItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BatchEvent mirrors a queue lifecycle event for bus subscribers.
type BatchEvent struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	ItemID   string    `json:"item_id,omitempty"`
	Document string    `json:"document,omitempty"`
	Voice    string    `json:"voice,omitempty"`
	Chunk    int       `json:"chunk,omitempty"`
	Chunks   int       `json:"chunks,omitempty"`
	Artifact string    `json:"artifact,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Bytes    int       `json:"bytes,omitempty"`
	Done     int       `json:"done,omitempty"`
	Failed   int       `json:"failed,omitempty"`
	Skipped  int       `json:"skipped,omitempty"`
	Pending  int       `json:"pending,omitempty"`
	Error    string    `json:"error,omitempty"`
}

const (
	SubjectTTSRequest        = "tts.request"
	SubjectTTSAudioPrefix    = "tts.audio"
	SubjectTTSDonePrefix     = "tts.done"
	SubjectBatchEnqueue      = "batch.enqueue"
	SubjectBatchEventsPrefix = "batch.events"
)

func TTSAudioSubject(sessionID string) string { return SubjectTTSAudioPrefix + "." + sessionID }

func TTSDoneSubject(sessionID string) string { return SubjectTTSDonePrefix + "." + sessionID }

func BatchEventSubject(eventType string) string { return SubjectBatchEventsPrefix + "." + eventType }

// NodeStatus is published on announce and on every heartbeat so nodes that
// join late learn the full capability set.
type NodeStatus struct {
	NodeID       string           `json:"node_id"`
	Capabilities []NodeCapability `json:"capabilities"`
	Timestamp    time.Time        `json:"timestamp"`
	Leaving      bool             `json:"leaving,omitempty"`
}

type NodeCapability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

const (
	SubjectNodeAnnounce        = "narrator.node.announce"
	SubjectNodeHeartbeatPrefix = "narrator.node.heartbeat"
)

func NodeHeartbeatSubject(nodeID string) string { return SubjectNodeHeartbeatPrefix + "." + nodeID }
