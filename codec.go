// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FrameCodec transforms bytes at the transport boundary. Encode runs on
// the writer pump, Decode on the reader pump; implementations must be
// safe for that pair of goroutines.
type FrameCodec interface {
	// Encode transforms an outbound payload, appending to dst.
	Encode(dst, payload []byte) ([]byte, error)

	// Decode transforms inbound bytes, appending complete payloads to
	// dst. A codec that frames may consume input without producing
	// output until a frame completes.
	Decode(dst, chunk []byte) ([]byte, error)
}

// RawCodec is the pass-through codec: any available byte run is one
// chunk, delivered verbatim.
type RawCodec struct{}

func (RawCodec) Encode(dst, payload []byte) ([]byte, error) {
	return append(dst, payload...), nil
}

func (RawCodec) Decode(dst, chunk []byte) ([]byte, error) {
	return append(dst, chunk...), nil
}

// maxZstdFrame bounds a single compressed frame so a corrupt or hostile
// length prefix cannot force an enormous allocation.
const maxZstdFrame = 64 << 20

var (
	zstdEncoderPool = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil,
				zstd.WithEncoderConcurrency(1),
				zstd.WithEncoderLevel(zstd.SpeedDefault),
			)
			if err != nil {
				panic(err)
			}
			return enc
		},
	}
	zstdDecoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderMaxMemory(maxZstdFrame),
			)
			if err != nil {
				panic(err)
			}
			return dec
		},
	}
)

// ZstdCodec compresses each write into a length-prefixed zstd frame and
// reassembles frames on the way in. The 4-byte big-endian prefix carries
// the compressed length; payload boundaries are preserved, so each Encode
// on one side surfaces as exactly one DataReceived on the other.
//
// Coders are pooled across transports.
type ZstdCodec struct {
	// buf accumulates partial inbound frames between Decode calls.
	buf []byte
}

// NewZstdCodec returns a fresh codec. Each transport needs its own value
// because Decode carries partial-frame state.
func NewZstdCodec() *ZstdCodec {
	return &ZstdCodec{}
}

func (c *ZstdCodec) Encode(dst, payload []byte) ([]byte, error) {
	enc := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(enc)
	compressed := enc.EncodeAll(payload, nil)
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(compressed)))
	dst = append(dst, prefix[:]...)
	return append(dst, compressed...), nil
}

func (c *ZstdCodec) Decode(dst, chunk []byte) ([]byte, error) {
	c.buf = append(c.buf, chunk...)
	for {
		if len(c.buf) < 4 {
			return dst, nil
		}
		frameLen := binary.BigEndian.Uint32(c.buf[:4])
		if frameLen > maxZstdFrame {
			return dst, fmt.Errorf("aioloop: zstd frame length %d exceeds limit", frameLen)
		}
		if len(c.buf) < 4+int(frameLen) {
			return dst, nil
		}
		frame := c.buf[4 : 4+frameLen]
		dec := zstdDecoderPool.Get().(*zstd.Decoder)
		payload, err := dec.DecodeAll(frame, nil)
		zstdDecoderPool.Put(dec)
		if err != nil {
			return dst, fmt.Errorf("aioloop: zstd decode: %w", err)
		}
		dst = append(dst, payload...)
		c.buf = c.buf[4+frameLen:]
	}
}
