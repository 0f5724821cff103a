package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameSeparator  uint16 = 0xAFAF
	frameHeaderSize int    = 12

	// DefaultMaxFrameSize bounds the memory a single peer can make us allocate.
	DefaultMaxFrameSize = 16 << 20
)

var (
	ErrWrongSeparator = errors.New("frame separator mismatch")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// Frame layout, little-endian:
//
//	[0:2]   separator (0xAFAF)
//	[2:10]  payload size
//	[10:12] reserved
//	[12:]   payload
type frameHeader struct {
	separator uint16
	dataSize  uint64
}

func encodeFrameHeader(h *frameHeader, b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], frameSeparator)
	binary.LittleEndian.PutUint64(b[2:10], h.dataSize)
	b[10], b[11] = 0, 0
}

func decodeFrameHeader(h *frameHeader, b []byte) error {
	h.separator = binary.LittleEndian.Uint16(b[0:2])
	h.dataSize = binary.LittleEndian.Uint64(b[2:10])

	if h.separator != frameSeparator {
		return ErrWrongSeparator
	}

	return nil
}

// EncodeFrame returns the packet wrapped into a frame, ready to be written
// to a stream.
func EncodeFrame(p *Packet) []byte {
	buf := make([]byte, frameHeaderSize, frameHeaderSize+64)
	buf = p.Marshal(buf)

	encodeFrameHeader(&frameHeader{
		dataSize: uint64(len(buf) - frameHeaderSize),
	}, buf)

	return buf
}

// FrameReader reads framed packets from a stream.
type FrameReader struct {
	r         io.Reader
	maxSize   int
	headerBuf [frameHeaderSize]byte
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	return &FrameReader{
		r:       r,
		maxSize: maxSize,
	}
}

// ReadPacket blocks until the next packet is read. It returns io.EOF when
// the stream is closed between frames.
func (fr *FrameReader) ReadPacket() (*Packet, error) {
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		return nil, err
	}

	h := frameHeader{}
	if err := decodeFrameHeader(&h, fr.headerBuf[:]); err != nil {
		return nil, err
	}

	if h.dataSize > uint64(fr.maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.dataSize)
	}

	data := make([]byte, h.dataSize)
	if _, err := io.ReadFull(fr.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}

		return nil, err
	}

	p := &Packet{}
	if err := p.Unmarshal(data); err != nil {
		return nil, err
	}

	return p, nil
}
