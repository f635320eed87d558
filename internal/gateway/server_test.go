package gateway

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestExtractMessagesArray(t *testing.T) {
	payload := map[string]any{
		"event": "messages.upsert",
		"data": map[string]any{
			"messages": []any{
				map[string]any{"key": map[string]any{"id": "A"}},
				map[string]any{"key": map[string]any{"id": "B"}},
			},
		},
	}
	msgs, err := extractMessages(payload)
	if err != nil {
		t.Fatalf("extractMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	if providerMessageID(msgs[0]) != "A" || providerMessageID(msgs[1]) != "B" {
		t.Errorf("message order lost: %v", msgs)
	}
}

func TestExtractMessagesSingleObject(t *testing.T) {
	payload := map[string]any{
		"data": map[string]any{
			"key":     map[string]any{"id": "A"},
			"message": map[string]any{"conversation": "hi"},
		},
	}
	msgs, err := extractMessages(payload)
	if err != nil {
		t.Fatalf("extractMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1", len(msgs))
	}
	// key lives at the data level; the whole object is the message.
	if providerMessageID(msgs[0]) != "A" {
		t.Errorf("message id = %q, want %q", providerMessageID(msgs[0]), "A")
	}
}

func TestExtractMessagesBase64Equivalence(t *testing.T) {
	inner := map[string]any{
		"key":     map[string]any{"id": "A"},
		"message": map[string]any{"conversation": "hi"},
	}

	plain, err := extractMessages(map[string]any{"data": inner})
	if err != nil {
		t.Fatalf("plain payload: %v", err)
	}

	raw, _ := json.Marshal(inner)
	encoded := base64.StdEncoding.EncodeToString(raw)
	wrapped, err := extractMessages(map[string]any{"data": encoded})
	if err != nil {
		t.Fatalf("base64 payload: %v", err)
	}

	a, _ := json.Marshal(plain)
	b, _ := json.Marshal(wrapped)
	if string(a) != string(b) {
		t.Errorf("base64-wrapped payload decoded differently:\nplain:   %s\nwrapped: %s", a, b)
	}
}

func TestExtractMessagesWholePayloadFallback(t *testing.T) {
	payload := map[string]any{
		"key":     map[string]any{"id": "A"},
		"message": map[string]any{"conversation": "hi"},
	}
	msgs, err := extractMessages(payload)
	if err != nil {
		t.Fatalf("extractMessages: %v", err)
	}
	if len(msgs) != 1 || providerMessageID(msgs[0]) != "A" {
		t.Errorf("fallback produced %v, want the payload itself", msgs)
	}
}

func TestExtractMessagesUndecodableDataFallsBack(t *testing.T) {
	// A string data field that is not base64 JSON is an unwrapped event;
	// the whole payload is the message.
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"invalid base64", map[string]any{
			"key":  map[string]any{"id": "RAW1"},
			"data": "!!not-base64!!",
		}},
		{"base64 of non-json", map[string]any{
			"key":  map[string]any{"id": "RAW2"},
			"data": base64.StdEncoding.EncodeToString([]byte("not json")),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := extractMessages(tt.payload)
			if err != nil {
				t.Fatalf("extractMessages: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("message count = %d, want 1", len(msgs))
			}
			if got, want := providerMessageID(msgs[0]), providerMessageID(tt.payload); got != want {
				t.Errorf("fallback message id = %q, want %q", got, want)
			}
		})
	}
}

func TestExtractMessagesRejectsNonObjectData(t *testing.T) {
	if _, err := extractMessages(map[string]any{"data": 42.0}); err == nil {
		t.Error("extractMessages accepted numeric data")
	}
}

func TestProviderMessageID(t *testing.T) {
	if got := providerMessageID(map[string]any{}); got != "" {
		t.Errorf("missing key produced id %q", got)
	}
	raw := map[string]any{"key": map[string]any{"id": "MSG9"}}
	if got := providerMessageID(raw); got != "MSG9" {
		t.Errorf("id = %q, want MSG9", got)
	}
}
