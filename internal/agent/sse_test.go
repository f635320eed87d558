package agent

import (
	"strings"
	"testing"
)

func TestStreamParserDeltas(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"TEXT_MESSAGE_CONTENT","delta":"He"}`,
		`data: {"type":"TEXT_MESSAGE_CONTENT","delta":"llo"}`,
		`data: {"type":"TEXT_DELTA","content":" world"}`,
		`data: {"type":"RUN_FINISHED"}`,
		`data: {"type":"TEXT_MESSAGE_CONTENT","delta":"ignored after finish"}`,
	}, "\n")

	var seen []string
	p := NewStreamParser(func(d string) { seen = append(seen, d) })
	if err := p.Consume(strings.NewReader(stream)); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if got := p.Final(); got != "Hello world" {
		t.Errorf("Final() = %q, want %q", got, "Hello world")
	}
	if !p.Finished() {
		t.Error("Finished() = false, want true")
	}
	if p.DeltaCount() != 3 {
		t.Errorf("DeltaCount() = %d, want 3", p.DeltaCount())
	}
	if len(seen) != 3 || seen[0] != "He" || seen[2] != " world" {
		t.Errorf("onDelta calls = %q, want deltas in arrival order", seen)
	}
}

func TestStreamParserDataPrefixVariants(t *testing.T) {
	stream := strings.Join([]string{
		`data : {"type":"TEXT_MESSAGE_CONTENT","delta":"a"}`,
		`: comment line`,
		`event: something`,
		`data: {"type":"MESSAGE","content":"b"}`,
		`data: {not json`,
		`data: {"type":"RUN_FINISHED"}`,
	}, "\n")

	p := NewStreamParser(nil)
	if err := p.Consume(strings.NewReader(stream)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := p.Final(); got != "ab" {
		t.Errorf("Final() = %q, want %q", got, "ab")
	}
}

func TestStreamParserSnapshotFallback(t *testing.T) {
	snapshot := `[["meta"],{"agent_0":{"variables":{"nodes":{"agent_0":{"text":"from snapshot"}}}}}]`
	stream := strings.Join([]string{
		`data: {"type":"STATE_SNAPSHOT","snapshot":` + snapshot + `}`,
		`data: {"type":"RUN_FINISHED"}`,
	}, "\n")

	p := NewStreamParser(nil)
	if err := p.Consume(strings.NewReader(stream)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := p.Final(); got != "from snapshot" {
		t.Errorf("Final() = %q, want snapshot text", got)
	}
}

func TestStreamParserFinalResponseRoot(t *testing.T) {
	snapshot := `[["meta"],{"final_response":{"variables":{"nodes":{"agent_0":{"text":"fallback root"}}}}}]`
	stream := `data: {"type":"STATE_SNAPSHOT","snapshot":` + snapshot + "}\n" +
		`data: {"type":"RUN_FINISHED"}`

	p := NewStreamParser(nil)
	if err := p.Consume(strings.NewReader(stream)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := p.Final(); got != "fallback root" {
		t.Errorf("Final() = %q, want %q", got, "fallback root")
	}
}

func TestStreamParserExtractionFallback(t *testing.T) {
	p := NewStreamParser(nil)
	if err := p.Consume(strings.NewReader(`data: {"type":"RUN_FINISHED"}`)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := p.Final(); got != extractionFallback {
		t.Errorf("Final() = %q, want the extraction fallback", got)
	}
}

func TestStreamParserDeltasBeatSnapshot(t *testing.T) {
	snapshot := `[["meta"],{"agent_0":{"variables":{"nodes":{"agent_0":{"text":"snapshot"}}}}}]`
	stream := strings.Join([]string{
		`data: {"type":"TEXT_MESSAGE_CONTENT","delta":"streamed"}`,
		`data: {"type":"STATE_SNAPSHOT","snapshot":` + snapshot + `}`,
		`data: {"type":"RUN_FINISHED"}`,
	}, "\n")

	p := NewStreamParser(nil)
	if err := p.Consume(strings.NewReader(stream)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := p.Final(); got != "streamed" {
		t.Errorf("Final() = %q, want streamed deltas to win", got)
	}
}
