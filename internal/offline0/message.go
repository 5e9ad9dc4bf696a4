package offline0

import (
	"encoding/json"
	"strings"
)

const (
	MessageSkipWaiting   = "SKIP_WAITING"
	MessageSyncPaiements = "SYNC_PAIEMENTS"
	// MessageConnected greets a client with its id and controlling cache.
	MessageConnected = "CONNECTED"

	SyncTagPaiements = "sync-paiements"
)

// Message is a cross-context payload. On the wire it is a flat JSON object:
// {"type": ..., ...Data}.
type Message struct {
	Type string
	Data map[string]any
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Data)+1)
	for k, v := range m.Data {
		out[k] = v
	}
	out["type"] = m.Type
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t, _ := raw["type"].(string)
	delete(raw, "type")
	m.Type = t
	m.Data = nil
	if len(raw) > 0 {
		m.Data = raw
	}
	return nil
}

var syncNotices = map[string]string{
	SyncTagPaiements: "Synchronisation des paiements en attente",
}

// syncMessage builds the notice broadcast for a deferred sync tag:
// sync-paiements becomes SYNC_PAIEMENTS.
func syncMessage(tag string) Message {
	notice, ok := syncNotices[tag]
	if !ok {
		notice = "Synchronisation en attente"
	}
	return Message{
		Type: strings.ToUpper(strings.ReplaceAll(tag, "-", "_")),
		Data: map[string]any{"message": notice},
	}
}
