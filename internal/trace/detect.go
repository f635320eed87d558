package trace

import "github.com/nextlevelbuilder/omnihub/internal/bus"

// mediaKeys are the WhatsApp message object keys that carry media.
var mediaKeys = []string{"imageMessage", "videoMessage", "audioMessage", "documentMessage"}

// DetectMessageType classifies a raw WhatsApp message object by which
// payload key is present. Unrecognized shapes fall back to unknown rather
// than failing: webhook payload shapes drift across bridge versions.
func DetectMessageType(message map[string]any) bus.MessageType {
	if message == nil {
		return bus.TypeUnknown
	}
	if _, ok := message["conversation"]; ok {
		return bus.TypeText
	}
	if _, ok := message["extendedTextMessage"]; ok {
		return bus.TypeText
	}
	if _, ok := message["imageMessage"]; ok {
		return bus.TypeImage
	}
	if _, ok := message["videoMessage"]; ok {
		return bus.TypeVideo
	}
	if _, ok := message["audioMessage"]; ok {
		return bus.TypeAudio
	}
	if _, ok := message["documentMessage"]; ok {
		return bus.TypeDocument
	}
	return bus.TypeUnknown
}

// HasMediaPayload reports whether a raw message object carries any media key.
func HasMediaPayload(message map[string]any) bool {
	for _, k := range mediaKeys {
		if _, ok := message[k]; ok {
			return true
		}
	}
	return false
}
