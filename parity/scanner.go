package parity

import (
	"bytes"
	"errors"
	"io"

	"xorkevin.dev/kerrors"
)

type (
	// packetScanner reads every valid packet from a stream in order, skipping
	// over garbage and damaged packets
	packetScanner struct {
		r   io.Reader
		buf byteBuffer
		pos int64
	}

	scannedPacket struct {
		Header PacketHeader
		Body   []byte
		// Pos is the offset of the packet header in the stream
		Pos int64
	}
)

func newPacketScanner(r io.Reader, buf []byte) *packetScanner {
	return &packetScanner{
		r:   r,
		buf: byteBuffer{buf: buf, read: 0, write: 0},
		pos: 0,
	}
}

// Next returns the next valid packet. The body is only valid until the next
// call. [ErrPacketNotFound] is returned at the end of the stream.
func (s *packetScanner) Next() (*scannedPacket, error) {
	for {
		header, body, err := s.readPacket()
		if err != nil {
			if !errors.Is(err, ErrMalformedPacket) {
				return nil, err
			}

			// advance only one byte to prevent finding same magic bytes on current
			// pos if one exists
			if err := s.advance(1); err != nil {
				return nil, err
			}
			if idx := bytes.Index(s.buf.Bytes(), []byte(MagicBytes)); idx >= 0 {
				if err := s.advance(idx); err != nil {
					return nil, err
				}
				continue
			}
			// keep an overlap amount of bytes because they could be a prefix of a
			// magic bytes completed by the next buffer read
			const overlap = len(MagicBytes) - 1
			// buf read at least full header
			delta := s.buf.Len() - overlap
			if err := s.advance(delta); err != nil {
				return nil, err
			}
			continue
		}
		p := &scannedPacket{
			Header: header,
			Body:   body,
			Pos:    s.pos,
		}
		// may only advance length of packet in this scenario because packet has
		// been verified
		if err := s.advance(int(header.Length)); err != nil {
			return nil, err
		}
		return p, nil
	}
}

func (s *packetScanner) advance(delta int) error {
	if err := s.buf.Advance(delta); err != nil {
		return err
	}
	s.pos += int64(delta)
	return nil
}

func (s *packetScanner) readPacket() (PacketHeader, []byte, error) {
	if s.buf.Cap() < HeaderSize {
		// allocate more space for abnormally small buffers for performance
		s.buf.Realloc(1024 * 1024)
	}

	if err := s.buf.Fill(s.r, HeaderSize); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return PacketHeader{}, nil, kerrors.WithKind(err, ErrPacketNotFound, "Packet not found")
		}
		return PacketHeader{}, nil, kerrors.WithMsg(err, "Failed to read parity file")
	}

	b := s.buf.Bytes()
	var header PacketHeader
	if err := header.UnmarshalBinary(b); err != nil {
		return PacketHeader{}, nil, kerrors.WithKind(err, ErrMalformedPacket, "Invalid packet header")
	}
	if header.Length > maxPacketLength {
		return PacketHeader{}, nil, kerrors.WithKind(nil, ErrMalformedPacket, "Packet exceeds max size")
	}

	packetSize := int(header.Length)
	if err := s.buf.Fill(s.r, packetSize); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// do not return error since EOF for a partial large packet does not
			// imply that smaller packets do not exist
			return header, nil, kerrors.WithKind(nil, ErrMalformedPacket, "Packet length exceeds end of file")
		}
		return PacketHeader{}, nil, kerrors.WithMsg(err, "Failed to read parity file")
	}

	b = s.buf.Bytes()[HeaderSize:packetSize]
	if calcPacketHash(header, b) != header.PacketHash {
		return header, nil, kerrors.WithKind(nil, ErrMalformedPacket, "Packet body corrupted")
	}
	return header, b, nil
}

type (
	byteBuffer struct {
		buf   []byte
		read  int
		write int
	}
)

func (b *byteBuffer) Bytes() []byte {
	return b.buf[b.read:b.write]
}

func (b *byteBuffer) Cap() int {
	return len(b.buf)
}

func (b *byteBuffer) Len() int {
	return b.write - b.read
}

func (b *byteBuffer) Remaining() int {
	return len(b.buf) - b.write
}

func (b *byteBuffer) Realloc(size int) {
	if len(b.buf) >= size {
		return
	}
	next := make([]byte, size)
	b.write = copy(next, b.buf[b.read:b.write])
	b.read = 0
	b.buf = next
}

func (b *byteBuffer) Compact() {
	if b.read == 0 {
		return
	}
	b.write = copy(b.buf, b.buf[b.read:b.write])
	b.read = 0
}

func (b *byteBuffer) EnsureLen(size int) {
	// ensure the buffer has enough space
	b.Realloc(size)

	req := size - b.Len()
	if req <= 0 {
		// requested data already exists
		return
	}
	if b.Remaining() >= req {
		// remaining buffer can satisfy request
		return
	}
	// compact since remaining buffer cannot satisfy request
	b.Compact()
}

func (b *byteBuffer) Fill(r io.Reader, size int) error {
	b.EnsureLen(size)
	req := size - b.Len()
	if req <= 0 {
		return nil
	}
	n, err := io.ReadAtLeast(r, b.buf[b.write:], req)
	b.write += n
	return err
}

func (b *byteBuffer) Advance(delta int) error {
	if delta < 0 {
		return kerrors.WithMsg(nil, "Read pointer may not advance backward")
	}
	if delta > b.Len() {
		return kerrors.WithMsg(nil, "Read pointer advance exceeds written data")
	}
	b.read += delta
	return nil
}
