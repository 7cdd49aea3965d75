package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the small opaque body a delivery carries. The worker re-reads
// current item state at execution time, so full item data is never embedded.
type Payload struct {
	QueueItemID string `json:"queueItemId"`
	ServiceName string `json:"serviceName"`
}

// Envelope is the wire shape of a delivery body.
type Envelope struct {
	Data Payload `json:"data"`
}

// EncodePayload serializes a payload for transport as base64-encoded JSON.
func EncodePayload(p Payload) (string, error) {
	raw, err := json.Marshal(Envelope{Data: p})
	if err != nil {
		return "", fmt.Errorf("failed to marshal dispatch payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(encoded string) (Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to decode dispatch payload: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Payload{}, fmt.Errorf("failed to unmarshal dispatch payload: %w", err)
	}
	if env.Data.QueueItemID == "" || env.Data.ServiceName == "" {
		return Payload{}, fmt.Errorf("dispatch payload missing item id or service name")
	}
	return env.Data, nil
}

// SanitizeNamePart maps a string onto the safe delivery-name character set.
// Anything outside [A-Za-z0-9_-] becomes a dash.
func SanitizeNamePart(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// DeliveryName builds the deterministic delivery key for one item creation.
// Including the creation timestamp lets a logically new item that reuses an
// old identifier dispatch again, while redeliveries of the same creation
// still collapse onto one name.
func DeliveryName(queuePath, service, itemID string, dateCreatedMillis int64) string {
	return fmt.Sprintf("%s/tasks/%s-%s-%d",
		queuePath, SanitizeNamePart(service), SanitizeNamePart(itemID), dateCreatedMillis)
}
