package parity

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"io"
	"strings"

	"xorkevin.dev/kerrors"
)

var (
	// ErrShortHeader is returned when the provided data is short
	ErrShortHeader errShortHeader
	// ErrMalformedHeader is returned when the header is malformed
	ErrMalformedHeader errHeader
	// ErrConfig is returned when the parity config is invalid
	ErrConfig errConfig
	// ErrPacketNotFound is returned when the packet is not found in the file
	ErrPacketNotFound errPacketNotFound
	// ErrMalformedPacket is returned when the packet is malformed
	ErrMalformedPacket errPacket
	// ErrInsufficientData is returned when a recovery set lacks critical packets
	ErrInsufficientData errInsufficientData
)

type (
	errShortHeader      struct{}
	errHeader           struct{}
	errConfig           struct{}
	errPacketNotFound   struct{}
	errPacket           struct{}
	errInsufficientData struct{}
)

func (e errShortHeader) Error() string {
	return "Short header"
}

func (e errHeader) Error() string {
	return "Malformed header"
}

func (e errConfig) Error() string {
	return "Invalid config"
}

func (e errPacketNotFound) Error() string {
	return "Packet not found"
}

func (e errPacket) Error() string {
	return "Malformed packet"
}

func (e errInsufficientData) Error() string {
	return "Insufficient critical data"
}

type (
	PacketKind [16]byte
	Hash       [md5.Size]byte
)

var (
	PacketKindMain     = PacketKind([]byte("PAR 2.0\x00Main\x00\x00\x00\x00"))
	PacketKindFileDesc = PacketKind([]byte("PAR 2.0\x00FileDesc"))
	PacketKindIFSC     = PacketKind([]byte("PAR 2.0\x00IFSC\x00\x00\x00\x00"))
	PacketKindRecovery = PacketKind([]byte("PAR 2.0\x00RecvSlic"))
	PacketKindCreator  = PacketKind([]byte("PAR 2.0\x00Creator\x00"))
)

func (k PacketKind) String() string {
	return strings.TrimRight(string(k[8:]), "\x00")
}

type (
	PacketHeader struct {
		// Length is the length of the entire packet including the header
		Length     uint64
		PacketHash Hash
		SetID      Hash
		Kind       PacketKind
	}
)

const (
	MagicBytes         = "PAR2\x00PKT"
	headerLengthOffset = len(MagicBytes)
	headerHashOffset   = headerLengthOffset + 8
	headerSetIDOffset  = headerHashOffset + md5.Size
	headerKindOffset   = headerSetIDOffset + md5.Size
	HeaderSize         = headerKindOffset + 16
	maxPacketLength    = 1 << 28 // 256MiB
)

func (h *PacketHeader) MarshalBinary() ([]byte, error) {
	res := make([]byte, HeaderSize)
	copy(res, []byte(MagicBytes))
	binary.LittleEndian.PutUint64(res[headerLengthOffset:], h.Length)
	copy(res[headerHashOffset:], h.PacketHash[:])
	copy(res[headerSetIDOffset:], h.SetID[:])
	copy(res[headerKindOffset:], h.Kind[:])
	return res, nil
}

func (h *PacketHeader) UnmarshalBinary(data []byte) error {
	if len(data) < headerLengthOffset {
		return kerrors.WithKind(nil, ErrShortHeader, "Short header")
	}
	if !bytes.Equal(data[:headerLengthOffset], []byte(MagicBytes)) {
		return kerrors.WithKind(nil, ErrMalformedHeader, "Invalid magic bytes")
	}
	if len(data) < HeaderSize {
		return kerrors.WithKind(nil, ErrShortHeader, "Short header")
	}
	h.Length = binary.LittleEndian.Uint64(data[headerLengthOffset:])
	if h.Length < HeaderSize || h.Length%4 != 0 {
		return kerrors.WithKind(nil, ErrMalformedHeader, "Invalid packet length")
	}
	copy(h.PacketHash[:], data[headerHashOffset:])
	copy(h.SetID[:], data[headerSetIDOffset:])
	copy(h.Kind[:], data[headerKindOffset:])
	return nil
}

// calcPacketHash computes the hash of the packet from the set id onwards
func calcPacketHash(header PacketHeader, body []byte) Hash {
	h := md5.New()
	// writes to a hash never fail
	_, _ = h.Write(header.SetID[:])
	_, _ = h.Write(header.Kind[:])
	_, _ = h.Write(body)
	var res Hash
	h.Sum(res[:0])
	return res
}

func writePacket(w io.Writer, setID Hash, kind PacketKind, body []byte) error {
	if len(body)%4 != 0 {
		return kerrors.WithKind(nil, ErrMalformedPacket, "Packet body must be a multiple of 4 bytes")
	}
	header := PacketHeader{
		Length: uint64(HeaderSize + len(body)),
		SetID:  setID,
		Kind:   kind,
	}
	header.PacketHash = calcPacketHash(header, body)
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return kerrors.WithMsg(err, "Failed to marshal packet header")
	}
	if n, err := w.Write(headerBytes); err != nil {
		return kerrors.WithMsg(err, "Failed to write packet header")
	} else if n != len(headerBytes) {
		// should never happen
		return kerrors.WithMsg(io.ErrShortWrite, "Short write")
	}
	if n, err := w.Write(body); err != nil {
		return kerrors.WithMsg(err, "Failed writing packet body")
	} else if n != len(body) {
		// should never happen
		return kerrors.WithMsg(io.ErrShortWrite, "Short write")
	}
	return nil
}

type (
	// FileID identifies a file within a recovery set
	FileID = Hash

	mainPacket struct {
		BlockSize   uint64
		Recoverable []FileID
		Other       []FileID
	}

	fileDescPacket struct {
		ID       FileID
		HashFull Hash
		Hash16k  Hash
		Size     uint64
		Name     string
	}

	ifscPacket struct {
		ID     FileID
		Blocks []BlockChecksum
	}
)

func padLen(n int) int {
	return (n + 3) &^ 3
}

func (p *mainPacket) MarshalBinary() ([]byte, error) {
	res := make([]byte, 12+md5.Size*(len(p.Recoverable)+len(p.Other)))
	binary.LittleEndian.PutUint64(res, p.BlockSize)
	binary.LittleEndian.PutUint32(res[8:], uint32(len(p.Recoverable)))
	b := res[12:]
	for _, i := range p.Recoverable {
		b = b[copy(b, i[:]):]
	}
	for _, i := range p.Other {
		b = b[copy(b, i[:]):]
	}
	return res, nil
}

func (p *mainPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 12 || (len(data)-12)%md5.Size != 0 {
		return kerrors.WithKind(nil, ErrMalformedPacket, "Invalid main packet length")
	}
	p.BlockSize = binary.LittleEndian.Uint64(data)
	count := int(binary.LittleEndian.Uint32(data[8:]))
	total := (len(data) - 12) / md5.Size
	if count > total {
		return kerrors.WithKind(nil, ErrMalformedPacket, "Invalid recoverable file count")
	}
	ids := make([]FileID, total)
	for n := range ids {
		copy(ids[n][:], data[12+n*md5.Size:])
	}
	p.Recoverable = ids[:count:count]
	p.Other = ids[count:]
	return nil
}

func (p *fileDescPacket) MarshalBinary() ([]byte, error) {
	res := make([]byte, 56+padLen(len(p.Name)))
	copy(res, p.ID[:])
	copy(res[16:], p.HashFull[:])
	copy(res[32:], p.Hash16k[:])
	binary.LittleEndian.PutUint64(res[48:], p.Size)
	copy(res[56:], p.Name)
	return res, nil
}

func (p *fileDescPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 56 {
		return kerrors.WithKind(nil, ErrMalformedPacket, "Invalid file description packet length")
	}
	copy(p.ID[:], data)
	copy(p.HashFull[:], data[16:])
	copy(p.Hash16k[:], data[32:])
	p.Size = binary.LittleEndian.Uint64(data[48:])
	// name is padded with nul bytes
	name := data[56:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	p.Name = string(name)
	return nil
}

const ifscEntrySize = md5.Size + 4

func (p *ifscPacket) MarshalBinary() ([]byte, error) {
	res := make([]byte, 16+ifscEntrySize*len(p.Blocks))
	copy(res, p.ID[:])
	b := res[16:]
	for _, i := range p.Blocks {
		copy(b, i.Hash[:])
		binary.LittleEndian.PutUint32(b[md5.Size:], i.CRC)
		b = b[ifscEntrySize:]
	}
	return res, nil
}

func (p *ifscPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 16 || (len(data)-16)%ifscEntrySize != 0 {
		return kerrors.WithKind(nil, ErrMalformedPacket, "Invalid checksum packet length")
	}
	copy(p.ID[:], data)
	b := data[16:]
	p.Blocks = make([]BlockChecksum, len(b)/ifscEntrySize)
	for n := range p.Blocks {
		copy(p.Blocks[n].Hash[:], b)
		p.Blocks[n].CRC = binary.LittleEndian.Uint32(b[md5.Size:])
		b = b[ifscEntrySize:]
	}
	return nil
}

// calcFileID computes the id of a file from its prefix hash, size, and name
func calcFileID(hash16k Hash, size uint64, name string) FileID {
	h := md5.New()
	_, _ = h.Write(hash16k[:])
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], size)
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(name))
	var res FileID
	h.Sum(res[:0])
	return res
}
