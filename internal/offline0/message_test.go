package offline0

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMessageJSONIsFlat(t *testing.T) {
	b, err := json.Marshal(syncMessage(SyncTagPaiements))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"type":    "SYNC_PAIEMENTS",
		"message": "Synchronisation des paiements en attente",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMessageUnmarshal(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"type":"SKIP_WAITING"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageSkipWaiting || msg.Data != nil {
		t.Fatalf("msg = %+v", msg)
	}

	if err := json.Unmarshal([]byte(`{"type":"NOTE","id":7}`), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "NOTE" || msg.Data["id"] != float64(7) {
		t.Fatalf("msg = %+v", msg)
	}
	if _, ok := msg.Data["type"]; ok {
		t.Fatal("type leaked into data")
	}
}

func TestSyncMessageForOtherTags(t *testing.T) {
	msg := syncMessage("sync-documents")
	if msg.Type != "SYNC_DOCUMENTS" || msg.Data["message"] != "Synchronisation en attente" {
		t.Fatalf("msg = %+v", msg)
	}
}
