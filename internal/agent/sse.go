package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// SSE event types emitted by the leo workflow engine.
const (
	eventTextMessageContent = "TEXT_MESSAGE_CONTENT"
	eventTextDelta          = "TEXT_DELTA"
	eventMessage            = "MESSAGE"
	eventStateSnapshot      = "STATE_SNAPSHOT"
	eventRunFinished        = "RUN_FINISHED"
)

// extractionFallback is returned when a stream finished with zero deltas
// and no usable state snapshot.
const extractionFallback = "I processed your request, but couldn't extract a response."

// sseEvent is one decoded `data:` line. Delta text may arrive under any of
// three field names depending on the engine version.
type sseEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta"`
	Content  string          `json:"content"`
	Text     string          `json:"text"`
	Snapshot json.RawMessage `json:"snapshot"`
}

func (e *sseEvent) deltaText() string {
	if e.Delta != "" {
		return e.Delta
	}
	if e.Content != "" {
		return e.Content
	}
	return e.Text
}

// StreamParser assembles ordered text deltas from a leo event stream.
// Concatenation order is event arrival order; the protocol has no embedded
// sequence numbers. Not safe for concurrent use; one parser per stream.
type StreamParser struct {
	onDelta  func(string)
	builder  strings.Builder
	deltas   int
	snapshot json.RawMessage
	finished bool
}

// NewStreamParser creates a parser. onDelta (optional) is invoked for every
// text delta in arrival order.
func NewStreamParser(onDelta func(string)) *StreamParser {
	return &StreamParser{onDelta: onDelta}
}

// Consume reads `data: {...}` lines until RUN_FINISHED or EOF. It stops on
// the first RUN_FINISHED rather than waiting for socket close: the engine
// keeps connections open past the terminal event.
func (p *StreamParser) Consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := dataPayload(line)
		if !ok {
			continue
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.Debug("skipping malformed sse event", "error", err)
			continue
		}

		switch ev.Type {
		case eventTextMessageContent, eventTextDelta:
			if d := ev.deltaText(); d != "" {
				p.deltas++
				p.builder.WriteString(d)
				if p.onDelta != nil {
					p.onDelta(d)
				}
			}
		case eventMessage:
			if ev.Content != "" {
				p.deltas++
				p.builder.WriteString(ev.Content)
				if p.onDelta != nil {
					p.onDelta(ev.Content)
				}
			}
		case eventStateSnapshot:
			p.snapshot = ev.Snapshot
		case eventRunFinished:
			p.finished = true
			return nil
		}
	}
	return scanner.Err()
}

// Finished reports whether a RUN_FINISHED event was seen.
func (p *StreamParser) Finished() bool { return p.finished }

// DeltaCount returns how many text deltas arrived.
func (p *StreamParser) DeltaCount() int { return p.deltas }

// Final returns the assembled reply text. When zero deltas arrived, the
// state snapshot is mined for the response; failing that, a canned
// extraction-failure message is returned.
func (p *StreamParser) Final() string {
	if p.deltas > 0 {
		return p.builder.String()
	}
	if text := snapshotText(p.snapshot); text != "" {
		return text
	}
	return extractionFallback
}

// dataPayload strips the SSE data prefix, tolerating the engine's
// occasional "data :" spelling.
func dataPayload(line string) (string, bool) {
	for _, prefix := range []string{"data:", "data :"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

// snapshotText digs the response text out of a STATE_SNAPSHOT. The snapshot
// is a two-element array whose second element maps node names to state; the
// text lives at {agent_0|final_response}.variables.nodes.agent_0.text.
func snapshotText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 2 {
		return ""
	}
	var state map[string]any
	if err := json.Unmarshal(arr[1], &state); err != nil {
		return ""
	}
	for _, root := range []string{"agent_0", "final_response"} {
		if text := digText(state, root); text != "" {
			return text
		}
	}
	return ""
}

func digText(state map[string]any, root string) string {
	node, ok := state[root].(map[string]any)
	if !ok {
		return ""
	}
	variables, ok := node["variables"].(map[string]any)
	if !ok {
		return ""
	}
	nodes, ok := variables["nodes"].(map[string]any)
	if !ok {
		return ""
	}
	agent, ok := nodes["agent_0"].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := agent["text"].(string)
	return text
}
