// Package stream decodes the producer's event wire format: newline-delimited
// records delivered in arbitrary-sized chunks over a long-lived response body.
package stream

import (
	"bytes"
	"encoding/json"

	"draftgate/internal/domain"
)

const (
	fieldMarker   = "data: "
	commentMarker = ":"
	doneSentinel  = "[DONE]"
)

// Parser turns incremental chunks into discrete generation events. The
// transport guarantees byte order but not that chunk boundaries align to
// record boundaries, so an unterminated trailing line is carried over and
// completed by a later chunk.
//
// Single malformed records are forward-compatible noise from an evolving
// producer: they are skipped, never failing the stream.
type Parser struct {
	carry []byte
}

// Feed consumes one chunk and returns the events completed by it, in
// arrival order.
func (p *Parser) Feed(chunk []byte) []domain.GenerationEvent {
	p.carry = append(p.carry, chunk...)
	var out []domain.GenerationEvent
	for {
		idx := bytes.IndexByte(p.carry, '\n')
		if idx < 0 {
			return out
		}
		line := p.carry[:idx]
		p.carry = p.carry[idx+1:]
		if ev, ok := parseLine(line); ok {
			out = append(out, ev)
		}
	}
}

// Close drains the carry-over buffer at end of stream. A producer that
// omits the final line terminator still gets its last record decoded.
func (p *Parser) Close() []domain.GenerationEvent {
	line := p.carry
	p.carry = nil
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	if ev, ok := parseLine(line); ok {
		return []domain.GenerationEvent{ev}
	}
	return nil
}

func parseLine(line []byte) (domain.GenerationEvent, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	s := string(line)
	if len(bytes.TrimSpace(line)) == 0 {
		return domain.GenerationEvent{}, false
	}
	if s[:1] == commentMarker {
		return domain.GenerationEvent{}, false
	}
	if len(s) < len(fieldMarker) || s[:len(fieldMarker)] != fieldMarker {
		// Not a data record; skip like any other noise.
		return domain.GenerationEvent{}, false
	}
	payload := s[len(fieldMarker):]
	if payload == doneSentinel {
		return domain.GenerationEvent{}, false
	}
	var ev domain.GenerationEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return domain.GenerationEvent{}, false
	}
	return ev, true
}
