package notify

import (
	"encoding/json"
	"testing"

	"github.com/nullstream/moongate/internal/tempstore"
)

type recordingBroadcaster struct {
	sent []interface{}
}

func (r *recordingBroadcaster) Broadcast(v interface{}) {
	r.sent = append(r.sent, v)
}

func TestHandle_BroadcastsNotifyPrefixedMethod(t *testing.T) {
	bc := &recordingBroadcaster{}
	bus := New(bc, nil)
	bus.Handle("klippy_state_changed", "ready")

	if len(bc.sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(bc.sent))
	}
	env, ok := bc.sent[0].(envelope)
	if !ok || env.Method != "notify_klippy_state_changed" {
		t.Fatalf("unexpected envelope: %+v", bc.sent[0])
	}
	if len(env.Params) != 1 || env.Params[0] != "ready" {
		t.Fatalf("unexpected params: %+v", env.Params)
	}
}

func TestHandle_StatusUpdateRecordsIntoTempStore(t *testing.T) {
	store := tempstore.New()
	store.SetKlippyReady([]string{"extruder"})

	bc := &recordingBroadcaster{}
	bus := New(bc, store)

	var payload interface{}
	_ = json.Unmarshal([]byte(`{"extruder":{"temperature":205.4,"target":205}}`), &payload)
	bus.Handle("status_update", payload)
	store.Sample()

	dump := store.Dump()
	if len(dump["extruder"]["temperatures"]) != 1 || dump["extruder"]["temperatures"][0] != 205.4 {
		t.Fatalf("expected recorded temperature, got %v", dump["extruder"])
	}
}

func TestHandleRaw_ParsesJSON(t *testing.T) {
	bc := &recordingBroadcaster{}
	bus := New(bc, nil)
	bus.HandleRaw("filelist_changed", json.RawMessage(`{"filename":"a.gcode","action":"added"}`))

	if len(bc.sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(bc.sent))
	}
	env := bc.sent[0].(envelope)
	payload, ok := env.Params[0].(map[string]interface{})
	if !ok || payload["filename"] != "a.gcode" {
		t.Fatalf("unexpected payload: %+v", env.Params[0])
	}
}
