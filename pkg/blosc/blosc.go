// Package blosc decodes frames written by the Blosc (version 1) meta-compressor, the
// default compressor of Zarr arrays written by numcodecs.
//
// Supported are memcpyed frames, byte-shuffled and unshuffled blocks and the lz4,
// lz4hc, snappy, zlib and zstd internal codecs.
package blosc

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rotisserie/eris"
)

// HeaderSize is the size of the fixed frame header
const HeaderSize = 16

const (
	flagShuffle    = 0x1
	flagMemcpyed   = 0x2
	flagBitShuffle = 0x4
	flagNoSplit    = 0x10
)

// Codec identifies the internal compressor used for a frame
type Codec uint8

const (
	CodecBloscLZ Codec = iota
	CodecLZ4
	CodecSnappy
	CodecZlib
	CodecZstd
)

var codecNames = map[Codec]string{
	CodecBloscLZ: "blosclz",
	CodecLZ4:     "lz4",
	CodecSnappy:  "snappy",
	CodecZlib:    "zlib",
	CodecZstd:    "zstd",
}

func (c Codec) String() string {
	name, ok := codecNames[c]
	if !ok {
		return "unknown"
	}
	return name
}

var (
	// ErrCorrupt is returned for truncated or inconsistent frames
	ErrCorrupt = eris.New("corrupt blosc frame")

	// ErrUnsupported is returned for frames using features this package doesn't implement
	ErrUnsupported = eris.New("unsupported blosc frame")
)

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// Header describes a frame
type Header struct {
	Version   uint8
	VersionLZ uint8
	Flags     uint8
	TypeSize  int
	NBytes    int
	BlockSize int
	CBytes    int
}

// ParseHeader decodes the fixed frame header at the start of src
func ParseHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, eris.Wrapf(ErrCorrupt, "frame is only %d bytes long", len(src))
	}

	h := Header{
		Version:   src[0],
		VersionLZ: src[1],
		Flags:     src[2],
		TypeSize:  int(src[3]),
		NBytes:    int(binary.LittleEndian.Uint32(src[4:8])),
		BlockSize: int(binary.LittleEndian.Uint32(src[8:12])),
		CBytes:    int(binary.LittleEndian.Uint32(src[12:16])),
	}

	if h.CBytes > len(src) {
		return h, eris.Wrapf(ErrCorrupt, "header claims %d bytes but only %d are available", h.CBytes, len(src))
	}

	return h, nil
}

// Codec returns the internal compressor recorded in the header flags
func (h Header) Codec() Codec {
	return Codec((h.Flags >> 5) & 0x7)
}

// Memcpyed reports whether the payload is stored uncompressed
func (h Header) Memcpyed() bool {
	return h.Flags&flagMemcpyed != 0
}

// Decompress decodes a complete frame
func Decompress(src []byte) ([]byte, error) {
	h, err := ParseHeader(src)
	if err != nil {
		return nil, err
	}

	dst := make([]byte, h.NBytes)
	if h.NBytes == 0 {
		return dst, nil
	}

	if h.Memcpyed() {
		if len(src) < HeaderSize+h.NBytes {
			return nil, eris.Wrapf(ErrCorrupt, "memcpyed frame is truncated")
		}

		copy(dst, src[HeaderSize:HeaderSize+h.NBytes])
		return dst, nil
	}

	if h.Flags&flagBitShuffle != 0 && h.TypeSize > 1 {
		return nil, eris.Wrap(ErrUnsupported, "bit shuffle")
	}

	if h.BlockSize <= 0 {
		return nil, eris.Wrapf(ErrCorrupt, "invalid block size %d", h.BlockSize)
	}

	nblocks := h.NBytes / h.BlockSize
	leftover := h.NBytes % h.BlockSize
	if leftover > 0 {
		nblocks++
	}

	if len(src) < HeaderSize+4*nblocks {
		return nil, eris.Wrap(ErrCorrupt, "block offsets are truncated")
	}

	shuffled := h.Flags&flagShuffle != 0 && h.TypeSize > 1
	var scratch []byte
	if shuffled {
		scratch = make([]byte, h.BlockSize)
	}

	for block := 0; block < nblocks; block++ {
		size := h.BlockSize
		last := block == nblocks-1 && leftover > 0
		if last {
			size = leftover
		}

		offset := int(binary.LittleEndian.Uint32(src[HeaderSize+4*block:]))
		out := dst[block*h.BlockSize : block*h.BlockSize+size]

		target := out
		if shuffled {
			target = scratch[:size]
		}

		if err = decodeBlock(h, src, offset, target, last); err != nil {
			return nil, eris.Wrapf(err, "block %d", block)
		}

		if shuffled {
			unshuffle(h.TypeSize, target, out)
		}
	}

	return dst, nil
}

func decodeBlock(h Header, src []byte, offset int, dst []byte, last bool) error {
	splits := 1
	if h.Flags&flagNoSplit == 0 && !last && h.TypeSize > 0 {
		splits = h.TypeSize
	}

	if len(dst)%splits != 0 {
		return eris.Wrapf(ErrCorrupt, "block size %d is not divisible by %d", len(dst), splits)
	}

	splitSize := len(dst) / splits
	for split := 0; split < splits; split++ {
		if offset+4 > len(src) {
			return eris.Wrap(ErrCorrupt, "stream header is truncated")
		}

		csize := int(int32(binary.LittleEndian.Uint32(src[offset:])))
		offset += 4
		if csize < 0 || offset+csize > len(src) {
			return eris.Wrapf(ErrCorrupt, "stream of %d bytes is out of range", csize)
		}

		out := dst[split*splitSize : (split+1)*splitSize]
		in := src[offset : offset+csize]
		offset += csize

		if csize == splitSize {
			// stored without compression
			copy(out, in)
			continue
		}

		if err := decodeStream(h.Codec(), in, out); err != nil {
			return err
		}
	}

	return nil
}

func decodeStream(codec Codec, in, out []byte) error {
	var n int
	var err error

	switch codec {
	case CodecLZ4:
		n, err = lz4.UncompressBlock(in, out)
	case CodecSnappy:
		var decoded []byte
		decoded, err = snappy.Decode(out, in)
		n = copy(out, decoded)
		if len(decoded) != len(out) {
			n = len(decoded)
		}
	case CodecZlib:
		var reader io.ReadCloser
		reader, err = zlib.NewReader(bytes.NewReader(in))
		if err == nil {
			n, err = io.ReadFull(reader, out)
			reader.Close()
		}
	case CodecZstd:
		var decoded []byte
		decoded, err = zstdDecoder.DecodeAll(in, out[:0])
		n = copy(out, decoded)
		if len(decoded) != len(out) {
			n = len(decoded)
		}
	default:
		return eris.Wrapf(ErrUnsupported, "codec %s", codec)
	}

	if err != nil {
		return eris.Wrapf(err, "%s stream", codec)
	}

	if n != len(out) {
		return eris.Wrapf(ErrCorrupt, "%s stream decoded to %d bytes instead of %d", codec, n, len(out))
	}

	return nil
}

// unshuffle reverses the byte shuffle filter: src holds the first byte of every element,
// followed by the second byte of every element and so on.
func unshuffle(typeSize int, src, dst []byte) {
	elements := len(src) / typeSize
	for e := 0; e < elements; e++ {
		for b := 0; b < typeSize; b++ {
			dst[e*typeSize+b] = src[b*elements+e]
		}
	}

	rest := elements * typeSize
	copy(dst[rest:], src[rest:])
}

// shuffle applies the byte shuffle filter. It's the inverse of unshuffle.
func shuffle(typeSize int, src, dst []byte) {
	elements := len(src) / typeSize
	for e := 0; e < elements; e++ {
		for b := 0; b < typeSize; b++ {
			dst[b*elements+e] = src[e*typeSize+b]
		}
	}

	rest := elements * typeSize
	copy(dst[rest:], src[rest:])
}

// DefaultBlockSize is the block size used by Compress
const DefaultBlockSize = 256 * 1024

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

// Compress encodes src as a byte-shuffled frame using codec. Only lz4 and zstd are
// supported for writing. Blocks which don't shrink are stored verbatim.
func Compress(src []byte, typeSize int, codec Codec) ([]byte, error) {
	if codec != CodecLZ4 && codec != CodecZstd {
		return nil, eris.Wrapf(ErrUnsupported, "can't write %s frames", codec)
	}
	if typeSize < 1 || typeSize > 255 {
		return nil, eris.Errorf("invalid type size %d", typeSize)
	}

	blockSize := DefaultBlockSize
	if len(src) < blockSize {
		blockSize = len(src)
	}

	nblocks := 0
	if blockSize > 0 {
		nblocks = (len(src) + blockSize - 1) / blockSize
	}

	flags := uint8(flagNoSplit) | uint8(codec)<<5
	if typeSize > 1 {
		flags |= flagShuffle
	}

	out := make([]byte, HeaderSize+4*nblocks, HeaderSize+4*nblocks+len(src)+4*nblocks)
	out[0] = 2
	out[1] = 1
	out[2] = flags
	out[3] = uint8(typeSize)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(src)))
	binary.LittleEndian.PutUint32(out[8:], uint32(blockSize))

	shuffled := make([]byte, blockSize)
	lz4Buf := make([]byte, lz4.CompressBlockBound(blockSize))
	for block := 0; block < nblocks; block++ {
		start := block * blockSize
		end := start + blockSize
		if end > len(src) {
			end = len(src)
		}

		in := src[start:end]
		if typeSize > 1 {
			shuffle(typeSize, in, shuffled[:len(in)])
			in = shuffled[:len(in)]
		}

		var compressed []byte
		switch codec {
		case CodecLZ4:
			n, err := lz4.CompressBlock(in, lz4Buf, nil)
			if err != nil {
				return nil, eris.Wrap(err, "lz4 compression failed")
			}
			compressed = lz4Buf[:n]
		case CodecZstd:
			compressed = zstdEncoder.EncodeAll(in, nil)
		}

		if len(compressed) == 0 || len(compressed) >= len(in) {
			compressed = in
		}

		binary.LittleEndian.PutUint32(out[HeaderSize+4*block:], uint32(len(out)))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(compressed)))
		out = append(out, compressed...)
	}

	binary.LittleEndian.PutUint32(out[12:], uint32(len(out)))
	return out, nil
}
