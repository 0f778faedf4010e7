package evolutionclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SendTextRequest is the body for /message/sendText/{instance}.
type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

func (r SendTextRequest) validate() error {
	if strings.TrimSpace(r.Number) == "" {
		return errors.New("evolutionclient: recipient number required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("evolutionclient: message text required")
	}
	return nil
}

// SendMediaRequest is the body for /message/sendMedia/{instance}. Data is
// raw bytes; the client base64-encodes on the wire.
type SendMediaRequest struct {
	Number    string
	MediaType string
	FileName  string
	Data      []byte
	Caption   string
}

func (r SendMediaRequest) validate() error {
	if strings.TrimSpace(r.Number) == "" {
		return errors.New("evolutionclient: recipient number required")
	}
	if len(r.Data) == 0 {
		return errors.New("evolutionclient: media payload required")
	}
	if strings.TrimSpace(r.FileName) == "" {
		return errors.New("evolutionclient: file name required")
	}
	return nil
}

// MessageKey identifies a message on the provider side.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// MessageResponse is the provider acknowledgment for a send request.
type MessageResponse struct {
	Key    MessageKey `json:"key"`
	Status string     `json:"status"`
}

// MessageID returns the opaque provider message id.
func (m *MessageResponse) MessageID() string {
	if m == nil {
		return ""
	}
	return m.Key.ID
}

// ConnectionStateResponse is the /instance/connectionState payload.
type ConnectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
	Raw        json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("evolutionclient: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("evolutionclient: status %d", e.StatusCode)
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Raw: data}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			apiErr.Message = payload.Message
		} else if payload.Error != "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}
