// Package duplex implements the request/response correlation engine used by
// adapters whose provider exposes a single persistent duplex connection with
// asynchronous, id-tagged frames.
package duplex

import (
	json "github.com/goccy/go-json"
)

// FrameKind discriminates inbound frame roles on the wire.
type FrameKind string

const (
	// KindRequest tags an outbound request frame.
	KindRequest FrameKind = "request"
	// KindReply carries the complete payload for a unary request.
	KindReply FrameKind = "reply"
	// KindPartial carries one element of a streamed reply.
	KindPartial FrameKind = "partial"
	// KindEnd terminates a streamed reply.
	KindEnd FrameKind = "end"
	// KindError resolves the request with a provider-side failure.
	KindError FrameKind = "error"
	// KindPush carries an unsolicited provider notification; it is
	// multiplexed with replies but never touches the pending table.
	KindPush FrameKind = "push"
)

// Frame is the wire envelope shared by requests and responses. Request and
// response are decoupled in time and matched solely by ID.
type Frame struct {
	ID      uint64          `json:"id,omitempty"`
	Kind    FrameKind       `json:"kind"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ErrCode string          `json:"errCode,omitempty"`
	ErrMsg  string          `json:"errMsg,omitempty"`
}

// EncodeFrame serializes a frame for transport.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a raw transport message into a frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
