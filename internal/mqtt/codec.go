package mqtt

import (
	"github.com/goccy/go-json"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

// requestMessage is the payload of a get, update or delete request.
type requestMessage struct {
	State       *models.ShadowState `json:"state,omitempty"`
	Version     int64               `json:"version,omitempty"`
	ClientToken string              `json:"clientToken,omitempty"`
}

type rejectionMessage struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	ClientToken string `json:"clientToken,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

type documentsMessage struct {
	Previous    *models.ShadowDocument `json:"previous,omitempty"`
	Current     *models.ShadowDocument `json:"current"`
	ClientToken string                 `json:"clientToken,omitempty"`
	Timestamp   int64                  `json:"timestamp"`
}

type presenceMessage struct {
	Status string `json:"status"`
}

// decodeDocument reads an accepted payload. It also accepts an empty payload
// as an empty document.
func decodeDocument(payload []byte) (*models.ShadowDocument, error) {
	doc := &models.ShadowDocument{}
	if len(payload) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(payload, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeRejection(payload []byte) (*rejectionMessage, error) {
	msg := &rejectionMessage{}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeRequest(payload []byte) (*requestMessage, error) {
	msg := &requestMessage{}
	if len(payload) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// deltaMessage lists the desired properties the device has not reported.
type deltaMessage struct {
	State       models.Properties `json:"state"`
	Version     int64             `json:"version"`
	Timestamp   int64             `json:"timestamp"`
	ClientToken string            `json:"clientToken,omitempty"`
}
