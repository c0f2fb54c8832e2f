package sink

import (
	"fmt"

	"codeberg.org/mutker/tamer/internal/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a recording block is stored. Tags are
// written into every block header.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a configured name to a Compression. The empty
// name means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, errors.New().WithData(ErrUnknownCompression, name)
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sink: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sink: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBlock compresses data with c. When c does not shrink the data
// the block is stored uncompressed and the returned tag says so.
func compressBlock(data []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return data, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil

	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, CompressionNone, nil
		}
		return out, CompressionZstd, nil

	default:
		return nil, 0, errors.New().WithData(ErrUnknownCompression, c.String())
	}
}

// decompressBlock reverses compressBlock and verifies the size.
func decompressBlock(stored []byte, c Compression, size int) ([]byte, error) {
	var (
		out []byte
		err error
	)

	switch c {
	case CompressionNone:
		out = stored

	case CompressionLZ4:
		out = make([]byte, size)
		var n int
		n, err = lz4.UncompressBlock(stored, out)
		if err != nil {
			err = fmt.Errorf("lz4 decompress: %w", err)
		}
		out = out[:n]

	case CompressionZstd:
		out, err = zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			err = fmt.Errorf("zstd decompress: %w", err)
		}

	default:
		return nil, errors.New().WithData(ErrUnknownCompression, c.String())
	}

	if err != nil {
		return nil, errors.New().Wrap(ErrCorruptBlock, err)
	}
	if len(out) != size {
		return nil, errors.New().WithMessage(ErrCorruptBlock,
			fmt.Sprintf("%s block: got %d bytes, expected %d", c, len(out), size))
	}
	return out, nil
}
