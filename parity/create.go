package parity

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
	"xorkevin.dev/bitrepair/reedsolomon"
	"xorkevin.dev/bitrepair/util/bytefmt"
	"xorkevin.dev/kerrors"
	"xorkevin.dev/klog"
)

const (
	// PrefixHashSize is the number of leading bytes of a file covered by its
	// prefix hash
	PrefixHashSize = 16 * 1024

	defaultCreator = "bitrepair"
)

type (
	// CreateFile is a file to protect. Name is the path stored in the set,
	// relative to the base path used during repair.
	CreateFile struct {
		Path string
		Name string
	}

	CreateOpts struct {
		BlockSize     uint64 `mapstructure:"block_size"`
		RecoveryCount int    `mapstructure:"recovery_count"`
		FirstExponent int    `mapstructure:"first_exponent"`
		Creator       string `mapstructure:"creator"`
	}

	createEntry struct {
		file   CreateFile
		desc   fileDescPacket
		blocks []BlockChecksum
	}
)

func (o CreateOpts) validate() error {
	if o.BlockSize == 0 || o.BlockSize%4 != 0 {
		return kerrors.WithKind(nil, ErrConfig, "Block size must be a positive multiple of 4")
	}
	if o.BlockSize+HeaderSize+4 > maxPacketLength {
		return kerrors.WithKind(nil, ErrConfig, "Block size exceeds max packet size")
	}
	if o.RecoveryCount < 0 || o.FirstExponent < 0 || o.FirstExponent+o.RecoveryCount > 1<<16 {
		return kerrors.WithKind(nil, ErrConfig, "Invalid recovery exponent range")
	}
	return nil
}

type (
	// fileHasher computes the whole file hash and prefix hash in one pass
	fileHasher struct {
		full   hash.Hash
		prefix hash.Hash
		n      uint64
	}
)

func newFileHasher() *fileHasher {
	return &fileHasher{
		full:   md5.New(),
		prefix: md5.New(),
	}
}

func (h *fileHasher) Write(p []byte) (int, error) {
	_, _ = h.full.Write(p)
	if h.n < PrefixHashSize {
		k := min(uint64(len(p)), PrefixHashSize-h.n)
		_, _ = h.prefix.Write(p[:k])
	}
	h.n += uint64(len(p))
	return len(p), nil
}

func (h *fileHasher) Sums() (Hash, Hash) {
	var full, prefix Hash
	h.full.Sum(full[:0])
	h.prefix.Sum(prefix[:0])
	return full, prefix
}

// ChecksumBlock computes the checksum of a block zero padded to blockSize. buf
// must have length blockSize and holds the block data as a prefix.
func ChecksumBlock(buf []byte, n int) BlockChecksum {
	clear(buf[n:])
	return BlockChecksum{
		Hash: md5.Sum(buf),
		CRC:  crc32.ChecksumIEEE(buf),
	}
}

func readBlock(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func hashCreateFile(fsys afero.Fs, file CreateFile, buf []byte) (_ *createEntry, retErr error) {
	f, err := fsys.Open(file.Path)
	if err != nil {
		return nil, kerrors.WithMsg(err, "Failed to open input file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			retErr = errors.Join(retErr, kerrors.WithMsg(err, "Failed to close input file"))
		}
	}()
	h := newFileHasher()
	var blocks []BlockChecksum
	for {
		n, err := readBlock(f, buf)
		if err != nil {
			return nil, kerrors.WithMsg(err, "Failed reading input file")
		}
		if n == 0 {
			break
		}
		_, _ = h.Write(buf[:n])
		blocks = append(blocks, ChecksumBlock(buf, n))
		if n < len(buf) {
			break
		}
	}
	if blocks == nil {
		blocks = []BlockChecksum{}
	}
	full, prefix := h.Sums()
	name := filepath.ToSlash(file.Name)
	return &createEntry{
		file: file,
		desc: fileDescPacket{
			ID:       calcFileID(prefix, h.n, name),
			HashFull: full,
			Hash16k:  prefix,
			Size:     h.n,
			Name:     name,
		},
		blocks: blocks,
	}, nil
}

func encodeCreateFile(fsys afero.Fs, entry *createEntry, enc *reedsolomon.Encoder, firstBlock int, buf []byte, parity [][]byte) (retErr error) {
	f, err := fsys.Open(entry.file.Path)
	if err != nil {
		return kerrors.WithMsg(err, "Failed to open input file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			retErr = errors.Join(retErr, kerrors.WithMsg(err, "Failed to close input file"))
		}
	}()
	for n, i := range entry.blocks {
		k, err := readBlock(f, buf)
		if err != nil {
			return kerrors.WithMsg(err, "Failed reading input file")
		}
		if ChecksumBlock(buf, k) != i {
			return kerrors.WithMsg(nil, "File changed during reading")
		}
		if enc != nil {
			if err := enc.EncodeBlock(firstBlock+n, buf, parity); err != nil {
				return kerrors.WithMsg(err, "Failed encoding recovery blocks")
			}
		}
	}
	return nil
}

// Create writes a recovery set protecting files to out
//
// All packets are written to the single file out. Every file is recoverable.
func Create(ctx context.Context, log klog.Logger, fsys afero.Fs, out string, files []CreateFile, opts CreateOpts) (retErr error) {
	l := klog.NewLevelLogger(log)

	if err := opts.validate(); err != nil {
		return err
	}
	if len(files) == 0 {
		return kerrors.WithKind(nil, ErrConfig, "No input files")
	}

	buf := make([]byte, opts.BlockSize)
	entries := make([]*createEntry, 0, len(files))
	totalBlocks := 0
	for _, i := range files {
		e, err := hashCreateFile(fsys, i, buf)
		if err != nil {
			return kerrors.WithMsg(err, "Failed hashing file "+i.Path)
		}
		entries = append(entries, e)
		totalBlocks += len(e.blocks)
		l.Debug(ctx, "Hashed file",
			klog.AString("path", i.Path),
			klog.AString("size", bytefmt.ToString(float64(e.desc.Size))),
			klog.AInt("blocks", len(e.blocks)),
		)
	}
	if totalBlocks > reedsolomon.MaxInputs {
		return kerrors.WithKind(nil, ErrConfig, "Too many blocks for block size")
	}
	slices.SortFunc(entries, func(a, b *createEntry) int {
		return bytes.Compare(a.desc.ID[:], b.desc.ID[:])
	})
	for n := 1; n < len(entries); n++ {
		if entries[n].desc.ID == entries[n-1].desc.ID {
			return kerrors.WithKind(nil, ErrConfig, "Duplicate input file "+entries[n].file.Name)
		}
	}

	var enc *reedsolomon.Encoder
	var parity [][]byte
	exponents := make([]uint16, opts.RecoveryCount)
	for n := range exponents {
		exponents[n] = uint16(opts.FirstExponent + n)
	}
	if opts.RecoveryCount > 0 && totalBlocks > 0 {
		var err error
		enc, err = reedsolomon.NewEncoder(totalBlocks, exponents)
		if err != nil {
			return kerrors.WithKind(err, ErrConfig, "Invalid recovery config")
		}
		parity = make([][]byte, opts.RecoveryCount)
		for n := range parity {
			parity[n] = make([]byte, opts.BlockSize)
		}
	}
	firstBlock := 0
	for _, i := range entries {
		if err := encodeCreateFile(fsys, i, enc, firstBlock, buf, parity); err != nil {
			return kerrors.WithMsg(err, "Failed encoding file "+i.file.Path)
		}
		firstBlock += len(i.blocks)
	}

	mp := mainPacket{
		BlockSize: opts.BlockSize,
	}
	for _, i := range entries {
		mp.Recoverable = append(mp.Recoverable, i.desc.ID)
	}
	mainBody, err := mp.MarshalBinary()
	if err != nil {
		return kerrors.WithMsg(err, "Failed marshalling main packet")
	}
	setID := Hash(md5.Sum(mainBody))

	if dir := filepath.Dir(out); dir != "" {
		if err := fsys.MkdirAll(dir, 0o777); err != nil {
			return kerrors.WithMsg(err, "Failed to create output dir")
		}
	}
	f, err := fsys.OpenFile(out, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return kerrors.WithMsg(err, "Failed to create parity file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			retErr = errors.Join(retErr, kerrors.WithMsg(err, "Failed to close parity file"))
		}
	}()
	w := bufio.NewWriter(f)

	if err := writePacket(w, setID, PacketKindMain, mainBody); err != nil {
		return kerrors.WithMsg(err, "Failed writing main packet")
	}
	for _, i := range entries {
		desc, err := i.desc.MarshalBinary()
		if err != nil {
			return kerrors.WithMsg(err, "Failed marshalling file description packet")
		}
		if err := writePacket(w, setID, PacketKindFileDesc, desc); err != nil {
			return kerrors.WithMsg(err, "Failed writing file description packet")
		}
		ifsc := ifscPacket{
			ID:     i.desc.ID,
			Blocks: i.blocks,
		}
		body, err := ifsc.MarshalBinary()
		if err != nil {
			return kerrors.WithMsg(err, "Failed marshalling checksum packet")
		}
		if err := writePacket(w, setID, PacketKindIFSC, body); err != nil {
			return kerrors.WithMsg(err, "Failed writing checksum packet")
		}
	}
	body := make([]byte, 4+opts.BlockSize)
	for n, i := range parity {
		binary.LittleEndian.PutUint32(body, uint32(exponents[n]))
		copy(body[4:], i)
		if err := writePacket(w, setID, PacketKindRecovery, body); err != nil {
			return kerrors.WithMsg(err, "Failed writing recovery packet")
		}
	}
	creator := opts.Creator
	if creator == "" {
		creator = defaultCreator
	}
	creatorBody := make([]byte, padLen(len(creator)))
	copy(creatorBody, creator)
	if err := writePacket(w, setID, PacketKindCreator, creatorBody); err != nil {
		return kerrors.WithMsg(err, "Failed writing creator packet")
	}
	if err := w.Flush(); err != nil {
		return kerrors.WithMsg(err, "Failed writing parity file")
	}

	l.Info(ctx, "Created recovery set",
		klog.AString("path", out),
		klog.AInt("files", len(entries)),
		klog.AInt("blocks", totalBlocks),
		klog.AInt("recovery", len(parity)),
	)
	return nil
}
