package client

import (
	"encoding/json"
	"errors"
	"time"

	v1 "rtchat/contracts/chat/v1"

	"github.com/google/uuid"
)

// newIntentEnvelope wraps a client intent payload in the wire envelope.
func newIntentEnvelope(typ string, payload any) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
}

func decodePayload(env v1.Envelope, into any) error {
	if len(env.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Payload, into)
}
