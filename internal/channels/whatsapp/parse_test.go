package whatsapp

import (
	"testing"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
)

func textEvent(text string) map[string]any {
	return map[string]any{
		"key": map[string]any{
			"remoteJid": "5511999990000@s.whatsapp.net",
			"id":        "MSG1",
		},
		"pushName": "Maria",
		"message": map[string]any{
			"conversation": text,
		},
	}
}

func TestParseMessageText(t *testing.T) {
	msg := ParseMessage("main", "wa", textEvent("hello"))
	if msg == nil {
		t.Fatal("ParseMessage returned nil for a text event")
	}
	if msg.Text != "hello" {
		t.Errorf("Text = %q, want %q", msg.Text, "hello")
	}
	if msg.MessageType != bus.TypeText {
		t.Errorf("MessageType = %q, want %q", msg.MessageType, bus.TypeText)
	}
	if msg.SessionName != "wa_5511999990000" {
		t.Errorf("SessionName = %q, want %q", msg.SessionName, "wa_5511999990000")
	}
	if msg.DisplayName != "Maria" {
		t.Errorf("DisplayName = %q, want %q", msg.DisplayName, "Maria")
	}
	if msg.MessageID != "MSG1" {
		t.Errorf("MessageID = %q, want %q", msg.MessageID, "MSG1")
	}
}

func TestParseMessageSkipsOwnMessages(t *testing.T) {
	raw := textEvent("hi")
	raw["key"].(map[string]any)["fromMe"] = true
	if msg := ParseMessage("main", "wa", raw); msg != nil {
		t.Errorf("ParseMessage = %+v, want nil for fromMe event", msg)
	}
}

func TestParseMessageExtendedText(t *testing.T) {
	raw := textEvent("")
	raw["message"] = map[string]any{
		"extendedTextMessage": map[string]any{
			"text": "linked message",
			"contextInfo": map[string]any{
				"stanzaId": "QUOTED1",
				"quotedMessage": map[string]any{
					"conversation": "original",
				},
			},
		},
	}
	msg := ParseMessage("main", "wa", raw)
	if msg == nil {
		t.Fatal("ParseMessage returned nil")
	}
	if msg.Text != "linked message" {
		t.Errorf("Text = %q, want %q", msg.Text, "linked message")
	}
	if msg.Quoted == nil {
		t.Fatal("Quoted = nil, want populated")
	}
	if msg.Quoted.MessageID != "QUOTED1" {
		t.Errorf("Quoted.MessageID = %q, want %q", msg.Quoted.MessageID, "QUOTED1")
	}
	if msg.Quoted.Text != "original" {
		t.Errorf("Quoted.Text = %q, want %q", msg.Quoted.Text, "original")
	}
	if msg.Quoted.HasMedia {
		t.Error("Quoted.HasMedia = true for a text quote")
	}
}

func TestParseMessageImage(t *testing.T) {
	raw := textEvent("")
	raw["message"] = map[string]any{
		"imageMessage": map[string]any{
			"mimetype": "image/jpeg",
			"caption":  "look at this",
			"url":      "https://cdn.example/img.enc",
		},
	}
	raw["base64"] = "aGVsbG8="

	msg := ParseMessage("main", "wa", raw)
	if msg == nil {
		t.Fatal("ParseMessage returned nil")
	}
	if msg.MessageType != bus.TypeImage {
		t.Errorf("MessageType = %q, want %q", msg.MessageType, bus.TypeImage)
	}
	if msg.Text != "look at this" {
		t.Errorf("Text = %q, want caption", msg.Text)
	}
	if msg.Media == nil {
		t.Fatal("Media = nil, want populated")
	}
	if msg.Media.Base64 != "aGVsbG8=" {
		t.Errorf("Media.Base64 = %q, want event-level base64", msg.Media.Base64)
	}
	if msg.Media.URL != "" {
		t.Errorf("Media.URL = %q, want empty when base64 present", msg.Media.URL)
	}
}

func TestParseMessageNoPrefix(t *testing.T) {
	msg := ParseMessage("main", "", textEvent("hi"))
	if msg == nil {
		t.Fatal("ParseMessage returned nil")
	}
	if msg.SessionName != "5511999990000" {
		t.Errorf("SessionName = %q, want bare phone", msg.SessionName)
	}
}
