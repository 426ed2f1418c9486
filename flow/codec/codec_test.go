package codec

import (
	"strings"
	"testing"

	"github.com/flowmach/flowmach/flow"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	root := &flow.NodeState{}
	root.SetRawInput(map[string]any{"n": 5.0})
	waiting := &flow.NodeState{}
	waiting.SetRawOutput("partial")

	msg := &Message{
		ID:       "inst-1",
		Name:     "orders",
		Version:  "1.0",
		Position: "/do/1/pause",
		States: map[string]*flow.NodeState{
			"/":           root,
			"/do/1/pause": waiting,
		},
		Correlation: &Message{
			ID:       "parent-1",
			Name:     "fulfilment",
			Version:  "2.0",
			Position: "/do/0/child",
		},
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.ID != "inst-1" || back.Name != "orders" || back.Version != "1.0" {
		t.Errorf("identity = %+v", back)
	}
	if back.Position != "/do/1/pause" {
		t.Errorf("position = %q", back.Position)
	}
	if len(back.States) != 2 || !back.States["/"].Started() {
		t.Errorf("states = %v", back.States)
	}
	if back.Correlation == nil || back.Correlation.ID != "parent-1" {
		t.Errorf("correlation = %+v", back.Correlation)
	}
}

func TestEncodeUsesShortKeys(t *testing.T) {
	data, err := Encode(&Message{ID: "i1", Name: "wf", Version: "1", Position: "/"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, key := range []string{`"i"`, `"n"`, `"v"`, `"p"`} {
		if !strings.Contains(s, key) {
			t.Errorf("envelope missing key %s: %s", key, s)
		}
	}
}

func TestDecodeValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "{"},
		{name: "missing id", data: `{"n":"wf","v":"1","p":"/"}`},
		{name: "missing name", data: `{"i":"x","v":"1","p":"/"}`},
		{name: "missing version", data: `{"i":"x","n":"wf","p":"/"}`},
		{name: "bad position", data: `{"i":"x","n":"wf","v":"1","p":"do/0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Error("expected a decode error")
			}
		})
	}
}

func TestDecodeDefaultsPositionToRoot(t *testing.T) {
	msg, err := Decode([]byte(`{"i":"x","n":"wf","v":"1"}`))
	if err != nil {
		t.Fatal(err)
	}
	pos, err := msg.ResumePosition()
	if err != nil {
		t.Fatal(err)
	}
	if !pos.IsRoot() {
		t.Errorf("position = %s, want root", pos)
	}
}

func TestDelayIDDeterministic(t *testing.T) {
	pos := flow.RootPosition().AppendToken(flow.TokenDo).AppendIndex(1).AppendName("pause")

	a := DelayID("inst-1", pos, 1)
	b := DelayID("inst-1", pos, 1)
	if a != b {
		t.Errorf("same inputs must map to the same id: %s vs %s", a, b)
	}
	if len(a) != 36 {
		t.Errorf("id %q is not UUID-shaped", a)
	}

	if DelayID("inst-1", pos, 2) == a {
		t.Error("attempt must change the id")
	}
	if DelayID("inst-2", pos, 1) == a {
		t.Error("instance must change the id")
	}
	other := flow.RootPosition().AppendToken(flow.TokenDo).AppendIndex(2).AppendName("pause")
	if DelayID("inst-1", other, 1) == a {
		t.Error("position must change the id")
	}
}
