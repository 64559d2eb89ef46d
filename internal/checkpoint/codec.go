package checkpoint

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pingcap/errors"
)

// Codec names the compression applied to a checkpoint payload.
type Codec string

const (
	// None stores the payload as is.
	None Codec = "none"
	// LZ4 compression
	LZ4 Codec = "lz4"
	// Zstd compression, the default.
	Zstd Codec = "zstd"
)

// Supported reports whether cc can be encoded and decoded.
func Supported(cc Codec) bool {
	switch cc {
	case None, LZ4, Zstd:
		return true
	}
	return false
}

// Encode compresses data with cc.
func Encode(cc Codec, data []byte) ([]byte, error) {
	switch cc {
	case None:
		return data, nil
	case LZ4:
		var buf bytes.Buffer
		writer := lz4.NewWriter(&buf)
		if _, err := writer.Write(data); err != nil {
			return nil, errors.Trace(err)
		}
		if err := writer.Close(); err != nil {
			return nil, errors.Trace(err)
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
	}
	return nil, errors.Errorf("unsupported checkpoint codec %q", cc)
}

// Decode reverses Encode.
func Decode(cc Codec, data []byte) ([]byte, error) {
	switch cc {
	case None:
		return data, nil
	case LZ4:
		reader := lz4.NewReader(bytes.NewReader(data))
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(reader); err != nil {
			return nil, errors.Trace(err)
		}
		return buf.Bytes(), nil
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return out, nil
	default:
	}
	return nil, errors.Errorf("unsupported checkpoint codec %q", cc)
}
