package cache

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// codec serializes values for the shared tier: msgpack, optionally zstd on top
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) encode(v any, compress bool) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	if compress {
		data = c.enc.EncodeAll(data, make([]byte, 0, len(data)))
	}
	return data, nil
}

func (c *codec) decode(data []byte, compressed bool) (any, error) {
	if compressed {
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress value: %w", err)
		}
		data = raw
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return v, nil
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// convert returns v as T, re-encoding through msgpack when v came back from
// the shared tier as a generic value
func convert[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}

	var out T
	data, err := msgpack.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrNotCached, err)
	}
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrNotCached, err)
	}
	return out, nil
}

// sizeOf approximates the in-memory footprint of v by its encoded length
func sizeOf(v any) int64 {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
