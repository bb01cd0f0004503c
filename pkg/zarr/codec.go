package zarr

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"

	"github.com/pmav99/thalassa-server/pkg/blosc"
)

var (
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	zstdEncoder, _ = zstd.NewWriter(nil)
)

// decodeChunk decompresses a chunk. Sizes recorded inside the chunk are checked against
// expected before any buffer is allocated.
func decodeChunk(c *Compressor, data []byte, expected int) ([]byte, error) {
	if c == nil {
		return data, nil
	}

	switch c.ID {
	case "blosc":
		h, err := blosc.ParseHeader(data)
		if err != nil {
			return nil, err
		}
		if h.NBytes > expected {
			return nil, eris.Errorf("blosc frame claims %d bytes, expected %d", h.NBytes, expected)
		}
		return blosc.Decompress(data)
	case "zlib":
		reader, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, eris.Wrap(err, "invalid zlib stream")
		}
		defer reader.Close()
		return readAll(reader)
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, eris.Wrap(err, "invalid gzip stream")
		}
		defer reader.Close()
		return readAll(reader)
	case "zstd":
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, eris.Wrap(err, "invalid zstd stream")
		}
		return out, nil
	case "lz4":
		// numcodecs prefixes the lz4 block with the uncompressed size
		if len(data) < 4 {
			return nil, eris.New("lz4 chunk is truncated")
		}
		size := binary.LittleEndian.Uint32(data)
		if uint64(size) > uint64(expected) {
			return nil, eris.Errorf("lz4 chunk claims %d bytes, expected %d", size, expected)
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data[4:], out)
		if err != nil {
			return nil, eris.Wrap(err, "invalid lz4 block")
		}
		return out[:n], nil
	}

	return nil, eris.Wrapf(ErrUnsupported, "compressor %q", c.ID)
}

func encodeChunk(c *Compressor, typeSize int, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}

	level := 1
	if c.Level != nil {
		level = *c.Level
	}

	var buf bytes.Buffer
	switch c.ID {
	case "blosc":
		codec := blosc.CodecLZ4
		if c.CName == "zstd" {
			codec = blosc.CodecZstd
		}
		return blosc.Compress(data, typeSize, codec)
	case "zlib":
		writer, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, eris.Wrap(err, "failed to create zlib writer")
		}
		if _, err = writer.Write(data); err != nil {
			return nil, eris.Wrap(err, "zlib compression failed")
		}
		if err = writer.Close(); err != nil {
			return nil, eris.Wrap(err, "zlib compression failed")
		}
		return buf.Bytes(), nil
	case "gzip":
		writer, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, eris.Wrap(err, "failed to create gzip writer")
		}
		if _, err = writer.Write(data); err != nil {
			return nil, eris.Wrap(err, "gzip compression failed")
		}
		if err = writer.Close(); err != nil {
			return nil, eris.Wrap(err, "gzip compression failed")
		}
		return buf.Bytes(), nil
	case "zstd":
		return zstdEncoder.EncodeAll(data, nil), nil
	case "lz4":
		out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
		binary.LittleEndian.PutUint32(out, uint32(len(data)))
		n, err := lz4.CompressBlock(data, out[4:], nil)
		if err != nil {
			return nil, eris.Wrap(err, "lz4 compression failed")
		}
		if n == 0 {
			return nil, eris.New("lz4 can't store incompressible chunks")
		}
		return out[:4+n], nil
	}

	return nil, eris.Wrapf(ErrUnsupported, "compressor %q", c.ID)
}

func readAll(reader io.Reader) ([]byte, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, eris.Wrap(err, "failed to decompress chunk")
	}
	return data, nil
}
