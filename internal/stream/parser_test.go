package stream_test

import (
	"testing"

	"draftgate/internal/domain"
	"draftgate/internal/stream"
)

func feedAll(p *stream.Parser, chunks ...string) []domain.GenerationEvent {
	var out []domain.GenerationEvent
	for _, c := range chunks {
		out = append(out, p.Feed([]byte(c))...)
	}
	out = append(out, p.Close()...)
	return out
}

func types(events []domain.GenerationEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestFeedSingleChunk(t *testing.T) {
	p := &stream.Parser{}
	events := p.Feed([]byte("data: {\"type\":\"start\"}\ndata: {\"type\":\"component_start\",\"component\":\"hero\"}\n"))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != domain.EventStart {
		t.Fatalf("first event type = %q", events[0].Type)
	}
	if events[1].Component != "hero" {
		t.Fatalf("component = %q", events[1].Component)
	}
}

func TestChunkBoundarySplitsRecord(t *testing.T) {
	// A record split anywhere across chunks must decode identically to the
	// unsplit stream.
	record := "data: {\"type\":\"code_chunk\",\"content\":\"<section>\"}\n"
	for cut := 1; cut < len(record); cut++ {
		p := &stream.Parser{}
		var events []domain.GenerationEvent
		events = append(events, p.Feed([]byte(record[:cut]))...)
		events = append(events, p.Feed([]byte(record[cut:]))...)
		if len(events) != 1 {
			t.Fatalf("cut at %d: expected 1 event, got %d", cut, len(events))
		}
		if events[0].Content != "<section>" {
			t.Fatalf("cut at %d: content = %q", cut, events[0].Content)
		}
	}
}

func TestMalformedRecordSkipped(t *testing.T) {
	p := &stream.Parser{}
	events := feedAll(p,
		"data: {\"type\":\"code_chunk\",\"content\":\"a\"}\n",
		"data: {not json}\n",
		"data: {\"type\":\"code_chunk\",\"content\":\"b\"}\n",
		"data: {\"type\":\"complete\"}\n",
	)
	got := types(events)
	want := []string{domain.EventCodeChunk, domain.EventCodeChunk, domain.EventComplete}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if events[0].Content != "a" || events[1].Content != "b" {
		t.Fatalf("content order broken: %q %q", events[0].Content, events[1].Content)
	}
}

func TestDoneSentinelAndCommentsDropped(t *testing.T) {
	p := &stream.Parser{}
	events := feedAll(p,
		":keepalive\n",
		"\n",
		"event: progress\n",
		"data: {\"type\":\"complete\",\"code\":\"<html/>\"}\n",
		"data: [DONE]\n",
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Code != "<html/>" {
		t.Fatalf("code = %q", events[0].Code)
	}
}

func TestCRLFLines(t *testing.T) {
	p := &stream.Parser{}
	events := feedAll(p, "data: {\"type\":\"start\"}\r\n")
	if len(events) != 1 || events[0].Type != domain.EventStart {
		t.Fatalf("events = %+v", events)
	}
}

func TestCloseDrainsUnterminatedLine(t *testing.T) {
	p := &stream.Parser{}
	if got := p.Feed([]byte("data: {\"type\":\"complete\"}")); len(got) != 0 {
		t.Fatalf("unterminated line emitted early: %+v", got)
	}
	events := p.Close()
	if len(events) != 1 || events[0].Type != domain.EventComplete {
		t.Fatalf("close events = %+v", events)
	}
	if again := p.Close(); len(again) != 0 {
		t.Fatalf("second close returned events: %+v", again)
	}
}

func TestCloseSkipsMalformedRemainder(t *testing.T) {
	p := &stream.Parser{}
	p.Feed([]byte("data: {\"type\":"))
	if events := p.Close(); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}
