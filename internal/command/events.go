package command

import "encoding/json"

// Push channel event types. Events without an explicit type are treated as
// generic messages.
const (
	eventMessage         = "message"
	eventCommandAck      = "command_ack"
	eventCommandComplete = "command_complete"
	eventError           = "error"
)

// eventPayload is the superset of fields carried by push channel events.
type eventPayload struct {
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      int             `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func parseEventPayload(data []byte) (eventPayload, error) {
	var payload eventPayload
	if len(data) == 0 {
		return payload, nil
	}
	err := json.Unmarshal(data, &payload)
	return payload, err
}
