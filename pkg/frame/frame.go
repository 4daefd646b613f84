// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package frame turns BSON documents into length-prefixed frames for stream connections and parses such a stream,
// arriving in arbitrary chunks, back into documents.
//
// A frame is a little-endian int32 total length, including these four bytes, followed by the BSON document.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dtn7/bsonnet/pkg/bson"
)

const (
	// prefixSize is the length of a frame's length prefix.
	prefixSize = 4

	// MinFrameSize is the smallest possible frame, a prefix followed by an empty document.
	MinFrameSize = prefixSize + 5

	// DefaultMaxFrameSize is used by a Parser without a configured maximum, 16 MiB.
	DefaultMaxFrameSize = 16 << 20
)

// ErrMalformedFrame is returned for a length prefix being too small or exceeding the maximum frame size.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a single received frame: the raw BSON bytes next to their decoded Document.
type Frame struct {
	Raw      []byte
	Document *bson.Document
}

// Append a Document's frame to dst.
func Append(dst []byte, doc *bson.Document) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)

	dst, err := bson.AppendDocument(dst, doc)
	if err != nil {
		return dst[:start], err
	}

	binary.LittleEndian.PutUint32(dst[start:], uint32(len(dst)-start))
	return dst, nil
}

// Encode a Document into a new frame.
func Encode(doc *bson.Document) ([]byte, error) {
	return Append(nil, doc)
}

// AppendRaw appends a frame for already encoded BSON data to dst. The data is checked to be one well-formed document.
func AppendRaw(dst []byte, data []byte) ([]byte, error) {
	if _, err := bson.Unmarshal(data); err != nil {
		return dst, err
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(prefixSize+len(data)))
	return append(dst, data...), nil
}

// Parser reassembles frames from a byte stream which might be split at arbitrary positions.
//
// A Parser is not safe for concurrent use. After an ErrMalformedFrame, the Parser refuses all further input as the
// stream cannot be resynchronized.
type Parser struct {
	// MaxFrameSize limits a single frame's size; zero selects DefaultMaxFrameSize.
	MaxFrameSize int

	buff []byte
	err  error
}

// NewParser for a maximum frame size; zero selects DefaultMaxFrameSize.
func NewParser(maxFrameSize int) *Parser {
	return &Parser{MaxFrameSize: maxFrameSize}
}

func (p *Parser) maxFrameSize() int {
	if p.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return p.MaxFrameSize
}

// Buffered returns the amount of bytes waiting for a frame to be completed.
func (p *Parser) Buffered() int {
	return len(p.buff)
}

// Reset drops all buffered data and a previous error.
func (p *Parser) Reset() {
	p.buff = nil
	p.err = nil
}

// Feed the next chunk of the stream into this Parser.
//
// All frames completed by this chunk are returned, which might be none. If an error occurs, the frames parsed
// before the erroneous one are returned next to it.
func (p *Parser) Feed(chunk []byte) (frames []Frame, err error) {
	if p.err != nil {
		return nil, p.err
	}

	p.buff = append(p.buff, chunk...)

	for len(p.buff) >= prefixSize {
		size := int(int32(binary.LittleEndian.Uint32(p.buff)))
		if size < MinFrameSize || size > p.maxFrameSize() {
			p.err = fmt.Errorf("%w: length prefix %d outside [%d, %d]", ErrMalformedFrame, size, MinFrameSize, p.maxFrameSize())
			p.buff = nil
			return frames, p.err
		}

		if len(p.buff) < size {
			break
		}

		raw := make([]byte, size-prefixSize)
		copy(raw, p.buff[prefixSize:size])
		p.buff = p.buff[size:]

		doc, docErr := bson.Unmarshal(raw)
		if docErr != nil {
			p.err = docErr
			p.buff = nil
			return frames, p.err
		}

		frames = append(frames, Frame{Raw: raw, Document: doc})
	}

	if len(p.buff) == 0 {
		p.buff = nil
	}
	return frames, nil
}
