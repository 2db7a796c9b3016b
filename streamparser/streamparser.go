// Package streamparser decodes an ANS-104 data item envelope from an
// inbound byte stream without ever buffering more than one tag section's
// worth of bytes at a time. It generalizes the teacher library's
// whole-buffer dataitem.Decode into an event-driven state machine fed one
// chunk at a time, backed by ringbuffer for the partial-field case where a
// chunk boundary falls inside a fixed-length field.
package streamparser

import (
	"fmt"

	"github.com/liteseed/turbo-upload-service/crypto"
	"github.com/liteseed/turbo-upload-service/ringbuffer"
	"github.com/liteseed/turbo-upload-service/tag"
)

type state int

const (
	stSignatureType state = iota
	stSignature
	stOwner
	stTargetFlag
	stTarget
	stAnchorFlag
	stAnchor
	stNumTags
	stNumTagsBytes
	stTagsBytes
	stPayload
	stDone
	stError
)

const fieldLength = 32 // target/anchor field width per ANS-104

// Handler receives parse events in strict order. Each header event fires
// exactly once; Data fires one or more times (for an empty payload, Close
// delivers a single nil Data event and PayloadDone then fires with size 0).
type Handler interface {
	OnSignatureType(signatureType int)
	OnSignature(raw []byte)
	OnOwner(raw []byte)
	OnTarget(raw []byte) // only called when the target flag is 1
	OnAnchor(raw []byte) // only called when the anchor flag is 1
	OnTagsBytes(raw []byte, numTags int)
	OnData(chunk []byte)
	OnPayloadDone(size int64)
	OnError(err error)
}

// Parser drives one data item's envelope decode. It is not safe for
// concurrent use; each inbound request gets its own Parser.
type Parser struct {
	handler Handler
	ring    *ringbuffer.Buffer
	st      state
	err     error

	signatureType int
	sigLen        int
	pubLen        int
	hasTarget     bool
	hasAnchor     bool
	numTags       int
	numTagsBytes  int

	payloadSize       int64
	payloadEmittedAny bool
}

// New constructs a Parser. The ring is sized to tag.MaxTagBytes, the
// largest single field the parser ever needs to hold across a chunk
// boundary.
func New(handler Handler) *Parser {
	return &Parser{
		handler: handler,
		ring:    ringbuffer.New(tag.MaxTagBytes),
		st:      stSignatureType,
	}
}

// Write feeds the next chunk of the inbound stream to the parser. It
// returns the sticky parse error, if any; once set, subsequent chunks are
// dropped without further processing, matching the "drop subsequent
// chunks" rule for a parse error.
func (p *Parser) Write(chunk []byte) error {
	if p.st == stError {
		return p.err
	}

	off := 0
	for off < len(chunk) && p.st != stPayload && p.st != stDone && p.st != stError {
		need := p.needed()
		if need == 0 {
			p.advanceZero()
			continue
		}

		if p.ring.UsedCapacity() == 0 && len(chunk)-off >= need {
			field := chunk[off : off+need]
			off += need
			if err := p.consume(field); err != nil {
				return p.fail(err)
			}
			continue
		}

		toWrite := need - p.ring.UsedCapacity()
		avail := len(chunk) - off
		if toWrite > avail {
			toWrite = avail
		}
		written := p.ring.WriteFrom(chunk, toWrite, off)
		off += written
		if p.ring.UsedCapacity() >= need {
			field := p.ring.Shift(need)
			if err := p.consume(field); err != nil {
				return p.fail(err)
			}
		} else {
			break // chunk drained mid-field; wait for more bytes
		}
	}

	// An absent field left pending at the very end of the chunk needs no
	// more bytes, so resolve it now rather than on the next Write.
	for (p.st == stTarget || p.st == stAnchor || p.st == stTagsBytes) && p.needed() == 0 {
		p.advanceZero()
	}

	if p.st == stPayload && off < len(chunk) {
		rest := chunk[off:]
		p.payloadSize += int64(len(rest))
		p.payloadEmittedAny = true
		p.handler.OnData(rest)
	}
	return p.err
}

// Close signals end of stream. If no payload bytes were ever emitted (a
// zero-length payload), it synthesizes a single empty Data event so
// downstream code can tell parsing succeeded with no body, then fires
// PayloadDone.
func (p *Parser) Close() error {
	if p.st == stError {
		return p.err
	}
	if p.st != stPayload && p.st != stDone {
		return p.fail(fmt.Errorf("streamparser: stream ended mid-header at state %d", p.st))
	}
	if !p.payloadEmittedAny {
		p.handler.OnData(nil)
	}
	p.st = stDone
	p.handler.OnPayloadDone(p.payloadSize)
	return nil
}

func (p *Parser) fail(err error) error {
	p.st = stError
	p.err = err
	p.handler.OnError(err)
	return err
}

// needed returns the number of bytes required to complete the current
// state, or 0 when the field is absent (conditional target/anchor, or an
// empty tags section) and should be emitted without consuming bytes.
func (p *Parser) needed() int {
	switch p.st {
	case stSignatureType:
		return 2
	case stSignature:
		return p.sigLen
	case stOwner:
		return p.pubLen
	case stTargetFlag, stAnchorFlag:
		return 1
	case stTarget:
		if !p.hasTarget {
			return 0
		}
		return fieldLength
	case stAnchor:
		if !p.hasAnchor {
			return 0
		}
		return fieldLength
	case stNumTags, stNumTagsBytes:
		return 8
	case stTagsBytes:
		return p.numTagsBytes
	}
	return 0
}

// advanceZero handles a state whose field is absent (no target, no
// anchor, or a zero-length tags section) and moves to the next state
// without consuming any bytes. Only the empty tags section emits an event
// (OnTagsBytes with nil); an absent target or anchor emits nothing.
func (p *Parser) advanceZero() {
	switch p.st {
	case stTarget:
		p.st = stAnchorFlag
	case stAnchor:
		p.st = stNumTags
	case stTagsBytes:
		p.handler.OnTagsBytes(nil, p.numTags)
		p.st = stPayload
	}
}

func (p *Parser) consume(field []byte) error {
	switch p.st {
	case stSignatureType:
		signatureType := int(field[0]) | int(field[1])<<8
		scheme, err := crypto.LookupSignatureScheme(signatureType)
		if err != nil {
			return err
		}
		p.signatureType = signatureType
		p.sigLen = scheme.SignatureLength
		p.pubLen = scheme.PublicKeyLength
		p.handler.OnSignatureType(signatureType)
		p.st = stSignature
	case stSignature:
		p.handler.OnSignature(field)
		p.st = stOwner
	case stOwner:
		p.handler.OnOwner(field)
		p.st = stTargetFlag
	case stTargetFlag:
		p.hasTarget = field[0] == 1
		p.st = stTarget
	case stTarget:
		p.handler.OnTarget(field)
		p.st = stAnchorFlag
	case stAnchorFlag:
		p.hasAnchor = field[0] == 1
		p.st = stAnchor
	case stAnchor:
		p.handler.OnAnchor(field)
		p.st = stNumTags
	case stNumTags:
		p.numTags = int(le64(field))
		if p.numTags > tag.MaxTags {
			return fmt.Errorf("streamparser: numTags %d exceeds max %d", p.numTags, tag.MaxTags)
		}
		p.st = stNumTagsBytes
	case stNumTagsBytes:
		p.numTagsBytes = int(le64(field))
		if p.numTagsBytes > tag.MaxTagBytes {
			return fmt.Errorf("streamparser: numTagsBytes %d exceeds max %d", p.numTagsBytes, tag.MaxTagBytes)
		}
		p.st = stTagsBytes
	case stTagsBytes:
		p.handler.OnTagsBytes(field, p.numTags)
		p.st = stPayload
	}
	return nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
