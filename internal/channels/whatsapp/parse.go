package whatsapp

import (
	"strings"

	"github.com/nextlevelbuilder/omnihub/internal/bus"
	"github.com/nextlevelbuilder/omnihub/internal/trace"
)

// ParseMessage normalizes one raw bridge webhook message object. Returns
// nil for events that carry nothing to process (self-authored messages,
// missing message body). Extraction is best-effort: unexpected shapes
// degrade to an unknown-type message, never an error.
func ParseMessage(instanceName, sessionPrefix string, raw map[string]any) *bus.InboundMessage {
	key, _ := raw["key"].(map[string]any)
	if fromMe, _ := key["fromMe"].(bool); fromMe {
		return nil
	}
	remoteJID, _ := key["remoteJid"].(string)
	messageID, _ := key["id"].(string)
	pushName, _ := raw["pushName"].(string)

	message, _ := raw["message"].(map[string]any)
	msgType := trace.DetectMessageType(message)

	msg := &bus.InboundMessage{
		Channel:     bus.ChannelWhatsApp,
		Instance:    instanceName,
		SenderID:    remoteJID,
		DisplayName: pushName,
		MessageID:   messageID,
		MessageType: msgType,
		Text:        extractText(message, msgType),
		Media:       extractMedia(raw, message, msgType),
		Quoted:      extractQuoted(message),
		SessionName: sessionName(sessionPrefix, remoteJID),
		Raw:         raw,
	}
	return msg
}

func sessionName(prefix, remoteJID string) string {
	phone := strings.SplitN(remoteJID, "@", 2)[0]
	if prefix == "" {
		return phone
	}
	return prefix + "_" + phone
}

func extractText(message map[string]any, msgType bus.MessageType) string {
	if text, ok := message["conversation"].(string); ok && text != "" {
		return text
	}
	if ext, ok := message["extendedTextMessage"].(map[string]any); ok {
		if text, ok := ext["text"].(string); ok {
			return text
		}
	}
	// Media messages carry their text as a caption.
	if obj := mediaObject(message, msgType); obj != nil {
		if caption, ok := obj["caption"].(string); ok {
			return caption
		}
	}
	return ""
}

// mediaKeyFor maps a detected type back to its message object key.
var mediaKeyFor = map[bus.MessageType]string{
	bus.TypeImage:    "imageMessage",
	bus.TypeVideo:    "videoMessage",
	bus.TypeAudio:    "audioMessage",
	bus.TypeDocument: "documentMessage",
}

func mediaObject(message map[string]any, msgType bus.MessageType) map[string]any {
	key, ok := mediaKeyFor[msgType]
	if !ok {
		return nil
	}
	obj, _ := message[key].(map[string]any)
	return obj
}

// extractMedia builds the media attachment, preferring inline base64 over a
// remote URL: the bridge-side asset may not be fetchable yet when the
// webhook fires.
func extractMedia(raw, message map[string]any, msgType bus.MessageType) *bus.Media {
	obj := mediaObject(message, msgType)
	if obj == nil {
		return nil
	}
	media := &bus.Media{}
	media.MimeType, _ = obj["mimetype"].(string)
	media.Filename, _ = obj["fileName"].(string)

	// base64 can live at the event level (webhook_base64 deployments), on
	// the message, or nested in the media object.
	for _, candidate := range []map[string]any{raw, message, obj} {
		if b64, ok := candidate["base64"].(string); ok && b64 != "" {
			media.Base64 = b64
			break
		}
	}
	if media.Base64 == "" {
		if url, ok := obj["url"].(string); ok && url != "" {
			media.URL = url
		} else if url, ok := raw["mediaUrl"].(string); ok {
			media.URL = url
		}
	}
	if media.Base64 == "" && media.URL == "" && media.MimeType == "" {
		return nil
	}
	return media
}

func extractQuoted(message map[string]any) *bus.Quoted {
	ctxInfo := contextInfo(message)
	if ctxInfo == nil {
		return nil
	}
	quotedMsg, _ := ctxInfo["quotedMessage"].(map[string]any)
	if quotedMsg == nil {
		return nil
	}
	q := &bus.Quoted{HasMedia: trace.HasMediaPayload(quotedMsg)}
	q.MessageID, _ = ctxInfo["stanzaId"].(string)
	q.Text = extractText(quotedMsg, trace.DetectMessageType(quotedMsg))
	return q
}

func contextInfo(message map[string]any) map[string]any {
	if ext, ok := message["extendedTextMessage"].(map[string]any); ok {
		if ci, ok := ext["contextInfo"].(map[string]any); ok {
			return ci
		}
	}
	for _, key := range mediaKeyFor {
		if obj, ok := message[key].(map[string]any); ok {
			if ci, ok := obj["contextInfo"].(map[string]any); ok {
				return ci
			}
		}
	}
	if ci, ok := message["contextInfo"].(map[string]any); ok {
		return ci
	}
	return nil
}
