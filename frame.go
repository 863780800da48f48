package convoke

import (
	"encoding/json"
	"errors"
)

// Frame is the WebSocket wire format shared by the server and the client hub.
// Event names a registered event handler, Data carries an arbitrary payload,
// and CorrelationID is present only on request/reply style exchanges, pairing
// a reply frame with the request that produced it.
type Frame struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// EncodeFrame marshals an outbound frame, serializing data to JSON.
func EncodeFrame(event string, data any, correlationID string) ([]byte, error) {
	frame := Frame{Event: event, CorrelationID: correlationID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// DecodeFrame unmarshals an inbound frame. A frame without an event name is
// rejected unless it carries a correlation ID, since replies are routed by
// correlation alone.
func DecodeFrame(data []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, err
	}
	if frame.Event == "" && frame.CorrelationID == "" {
		return nil, errors.New("frame has no event name")
	}
	return frame, nil
}
