package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored values start with a format byte.
const (
	formatJSON byte = iota + 1
	formatZstdJSON
)

// maxDecodedValue bounds decompressed value size.
const maxDecodedValue = 256 << 20

var errUnknownFormat = errors.New("unknown value format")

type valueCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newValueCodec(compress bool) (*valueCodec, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedValue))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	c := &valueCodec{dec: dec}
	if compress {
		c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
	}
	return c, nil
}

func (c *valueCodec) close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	c.dec.Close()
}

// EncodeAll and DecodeAll are safe for concurrent use.
func (c *valueCodec) encode(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if c.enc == nil {
		return append([]byte{formatJSON}, raw...), nil
	}
	return c.enc.EncodeAll(raw, []byte{formatZstdJSON}), nil
}

// decode reads either format regardless of the codec's own setting.
func (c *valueCodec) decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return errUnknownFormat
	}
	body := data[1:]
	switch data[0] {
	case formatJSON:
	case formatZstdJSON:
		var err error
		body, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("decompressing: %w", err)
		}
	default:
		return fmt.Errorf("%w: %d", errUnknownFormat, data[0])
	}
	return json.Unmarshal(body, v)
}
