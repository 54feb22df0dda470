package parity

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

type (
	// BlockChecksum is the fingerprint of a block zero padded to the block size
	BlockChecksum struct {
		Hash Hash
		CRC  uint32
	}

	// FileDesc describes a file protected by a recovery set
	FileDesc struct {
		ID       FileID
		Name     string
		Size     uint64
		HashFull Hash
		Hash16k  Hash
		// Blocks is nil when no block checksums are known
		Blocks []BlockChecksum
	}

	// RecoveryUnit is a recovery block stored in a byte range of a file
	RecoveryUnit struct {
		Exponent uint16
		Path     string
		Offset   int64
		Length   uint64
	}

	// Set is a loaded recovery set
	Set struct {
		ID               Hash
		BlockSize        uint64
		RecoverableCount int
		// Files is in main packet order. Files without a description are nil.
		Files    []*FileDesc
		Recovery []RecoveryUnit
		Paths    []string
		Creator  string
	}
)

// BlockCount returns the number of blocks of a file of the given size
func BlockCount(size, blockSize uint64) uint64 {
	if blockSize == 0 {
		return 0
	}
	return (size + blockSize - 1) / blockSize
}

type (
	setPackets struct {
		main     *mainPacket
		descs    map[FileID]*fileDescPacket
		ifscs    map[FileID]*ifscPacket
		recovery map[uint16]RecoveryUnit
		creator  string
	}

	setLoader struct {
		log   *klog.LevelLogger
		sets  map[Hash]*setPackets
		order []Hash
	}
)

func (l *setLoader) set(id Hash) *setPackets {
	s, ok := l.sets[id]
	if !ok {
		s = &setPackets{
			descs:    map[FileID]*fileDescPacket{},
			ifscs:    map[FileID]*ifscPacket{},
			recovery: map[uint16]RecoveryUnit{},
		}
		l.sets[id] = s
		l.order = append(l.order, id)
	}
	return s
}

func (l *setLoader) addPacket(ctx context.Context, path string, p *scannedPacket) error {
	s := l.set(p.Header.SetID)
	switch p.Header.Kind {
	case PacketKindMain:
		var m mainPacket
		if err := m.UnmarshalBinary(p.Body); err != nil {
			return err
		}
		if s.main == nil {
			s.main = &m
		}
	case PacketKindFileDesc:
		var d fileDescPacket
		if err := d.UnmarshalBinary(p.Body); err != nil {
			return err
		}
		if _, ok := s.descs[d.ID]; !ok {
			s.descs[d.ID] = &d
		}
	case PacketKindIFSC:
		var c ifscPacket
		if err := c.UnmarshalBinary(p.Body); err != nil {
			return err
		}
		if _, ok := s.ifscs[c.ID]; !ok {
			s.ifscs[c.ID] = &c
		}
	case PacketKindRecovery:
		if len(p.Body) < 4 {
			return kerrors.WithKind(nil, ErrMalformedPacket, "Invalid recovery packet length")
		}
		e := uint32(p.Body[0]) | uint32(p.Body[1])<<8 | uint32(p.Body[2])<<16 | uint32(p.Body[3])<<24
		if e > 0xffff {
			return kerrors.WithKind(nil, ErrMalformedPacket, "Invalid recovery exponent")
		}
		if _, ok := s.recovery[uint16(e)]; ok {
			l.log.Debug(ctx, "Duplicate recovery packet",
				klog.AString("path", path),
				klog.AInt("exponent", int(e)),
			)
			return nil
		}
		s.recovery[uint16(e)] = RecoveryUnit{
			Exponent: uint16(e),
			Path:     path,
			Offset:   p.Pos + HeaderSize + 4,
			Length:   uint64(len(p.Body) - 4),
		}
	case PacketKindCreator:
		if s.creator == "" {
			s.creator = strings.TrimRight(string(p.Body), "\x00")
		}
	default:
		l.log.Debug(ctx, "Unknown packet kind",
			klog.AString("path", path),
			klog.AString("kind", p.Header.Kind.String()),
		)
	}
	return nil
}

func (l *setLoader) loadFile(ctx context.Context, fsys afero.Fs, path string) (retErr error) {
	f, err := fsys.Open(path)
	if err != nil {
		return kerrors.WithMsg(err, "Failed to open parity file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			retErr = errors.Join(retErr, kerrors.WithMsg(err, "Failed to close parity file"))
		}
	}()
	s := newPacketScanner(f, nil)
	count := 0
	for {
		p, err := s.Next()
		if err != nil {
			if errors.Is(err, ErrPacketNotFound) {
				break
			}
			return err
		}
		if err := l.addPacket(ctx, path, p); err != nil {
			if !errors.Is(err, ErrMalformedPacket) {
				return err
			}
			l.log.WarnErr(ctx, kerrors.WithMsg(err, "Discarding packet"),
				klog.AString("path", path),
				klog.AString("kind", p.Header.Kind.String()),
			)
			continue
		}
		count++
	}
	l.log.Info(ctx, "Loaded parity file",
		klog.AString("path", path),
		klog.AInt("packets", count),
	)
	return nil
}

// Load loads a recovery set from the packets of all files in paths
//
// Packets may be spread across files in any order. Damaged packets and garbage
// between packets are skipped. The set whose main packet is found first is
// returned.
func Load(ctx context.Context, log klog.Logger, fsys afero.Fs, paths []string) (*Set, error) {
	l := &setLoader{
		log:  klog.NewLevelLogger(log),
		sets: map[Hash]*setPackets{},
	}
	for _, i := range paths {
		if err := l.loadFile(ctx, fsys, i); err != nil {
			return nil, kerrors.WithMsg(err, "Failed loading parity file")
		}
	}

	var setID Hash
	var packets *setPackets
	for _, i := range l.order {
		if s := l.sets[i]; s.main != nil {
			setID = i
			packets = s
			break
		}
	}
	if packets == nil {
		return nil, kerrors.WithKind(nil, ErrInsufficientData, "Main packet not found")
	}
	for _, i := range l.order {
		if i != setID {
			l.log.Warn(ctx, "Ignoring packets of other recovery set")
			break
		}
	}

	set := &Set{
		ID:               setID,
		BlockSize:        packets.main.BlockSize,
		RecoverableCount: len(packets.main.Recoverable),
		Paths:            slices.Clone(paths),
		Creator:          packets.creator,
	}
	ids := append(slices.Clone(packets.main.Recoverable), packets.main.Other...)
	set.Files = make([]*FileDesc, len(ids))
	for n, id := range ids {
		d, ok := packets.descs[id]
		if !ok {
			continue
		}
		f := &FileDesc{
			ID:       id,
			Name:     d.Name,
			Size:     d.Size,
			HashFull: d.HashFull,
			Hash16k:  d.Hash16k,
		}
		if c, ok := packets.ifscs[id]; ok {
			f.Blocks = c.Blocks
		}
		set.Files[n] = f
	}
	for _, i := range packets.recovery {
		set.Recovery = append(set.Recovery, i)
	}
	slices.SortFunc(set.Recovery, func(a, b RecoveryUnit) int {
		return int(a.Exponent) - int(b.Exponent)
	})
	return set, nil
}

// FindSetFiles returns path along with the recovery volumes that share its
// base name, such as name.vol00+01.par2
func FindSetFiles(fsys afero.Fs, path string) ([]string, error) {
	ext := filepath.Ext(path)
	if !strings.EqualFold(ext, ".par2") {
		return []string{path}, nil
	}
	base := strings.TrimSuffix(path, ext)
	matches, err := afero.Glob(fsys, globEscape(base)+".*"+ext)
	if err != nil {
		return nil, kerrors.WithMsg(err, "Failed to search for recovery volumes")
	}
	res := []string{path}
	for _, i := range matches {
		if i != path {
			res = append(res, i)
		}
	}
	slices.Sort(res[1:])
	return res, nil
}

func globEscape(s string) string {
	var b strings.Builder
	for _, i := range s {
		switch i {
		case '*', '?', '[', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(i)
	}
	return b.String()
}
