package dump

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionType defines the compression algorithm applied to dump files
type CompressionType int

const (
	// NoCompression writes the gob stream as is
	NoCompression CompressionType = iota
	// ZstdCompression wraps the gob stream in a Zstandard frame
	ZstdCompression
)

var (
	// encoder and decoder for zstd are reusable and thread-safe
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// String returns the name of the compression type
func (ct CompressionType) String() string {
	switch ct {
	case NoCompression:
		return "none"
	case ZstdCompression:
		return "zstd"
	default:
		return "unknown"
	}
}

// CompressData compresses a byte slice using the specified compression algorithm
func CompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	if compressionType == NoCompression {
		return data, nil
	}

	// Currently we only support Zstd
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// DecompressData decompresses a byte slice using the specified compression algorithm
func DecompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	if compressionType == NoCompression {
		return data, nil
	}

	return zstdDecoder.DecodeAll(data, nil)
}

// NewCompressedReader returns a reader that decompresses data after reading.
// The caller must close it to release the decoder.
func NewCompressedReader(r io.Reader, compressionType CompressionType) (io.ReadCloser, error) {
	if compressionType == NoCompression {
		return io.NopCloser(r), nil
	}

	d, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}
