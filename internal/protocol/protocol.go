package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello         = "HELLO"
	TypeWelcome       = "WELCOME"
	TypePredict       = "PREDICT"
	TypePredictResult = "PREDICT_RESULT"
	TypeRollout       = "ROLLOUT"
	TypeRolloutResult = "ROLLOUT_RESULT"
	TypeError         = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type. ID rides
// along so error replies can reference a request that failed to decode.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ID              string `json:"id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
