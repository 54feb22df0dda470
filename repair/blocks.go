package repair

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/kerrors"
)

type (
	blockLocation struct {
		disk   *DiskFile
		offset int64
	}

	// DataBlock is a block sized region of a disk file
	//
	// A block is bound to a location at most once per verification pass. The
	// first claim wins.
	DataBlock struct {
		length uint64
		loc    atomic.Pointer[blockLocation]
	}
)

// Claim binds the block to a location if it is unbound
func (b *DataBlock) Claim(disk *DiskFile, offset int64) bool {
	return b.loc.CompareAndSwap(nil, &blockLocation{disk: disk, offset: offset})
}

// Bind binds the block to a location unconditionally
func (b *DataBlock) Bind(disk *DiskFile, offset int64) {
	b.loc.Store(&blockLocation{disk: disk, offset: offset})
}

func (b *DataBlock) Clear() {
	b.loc.Store(nil)
}

func (b *DataBlock) IsSet() bool {
	return b.loc.Load() != nil
}

func (b *DataBlock) Length() uint64 {
	return b.length
}

// Location returns the disk file and offset of the block
func (b *DataBlock) Location() (*DiskFile, int64, bool) {
	l := b.loc.Load()
	if l == nil {
		return nil, 0, false
	}
	return l.disk, l.offset, true
}

// ReadData reads len(buf) bytes of the block starting at position off within
// the block. Bytes beyond the block or its disk file read as zero.
func (b *DataBlock) ReadData(off uint64, buf []byte) error {
	l := b.loc.Load()
	if l == nil {
		return kerrors.WithMsg(nil, "Block has no location")
	}
	if off >= b.length {
		clear(buf)
		return nil
	}
	k := min(uint64(len(buf)), b.length-off)
	n, err := l.disk.ReadAt(buf[:k], l.offset+int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return kerrors.WithKind(err, ErrIO, "Failed reading block")
	}
	clear(buf[n:])
	return nil
}

// WriteData writes the prefix of buf that lies within the block at position
// off within the block
func (b *DataBlock) WriteData(off uint64, buf []byte) (uint64, error) {
	l := b.loc.Load()
	if l == nil {
		return 0, kerrors.WithMsg(nil, "Block has no location")
	}
	if off >= b.length {
		return 0, nil
	}
	k := min(uint64(len(buf)), b.length-off)
	n, err := l.disk.WriteAt(buf[:k], l.offset+int64(off))
	if err != nil {
		return uint64(n), kerrors.WithKind(err, ErrIO, "Failed writing block")
	}
	return uint64(n), nil
}

type (
	// sourceFile is a file described by the recovery set
	sourceFile struct {
		desc         *parity.FileDesc
		index        int
		targetName   string
		firstBlock   int
		blockCount   int
		sourceBlocks []DataBlock
		targetBlocks []DataBlock
		mu           sync.Mutex
		// targetFile is the file at the target path if it exists
		targetFile *DiskFile
		// completeFile is a file found to contain the entire file intact
		completeFile *DiskFile
	}
)

func (f *sourceFile) verifiable() bool {
	return f.desc.Blocks != nil
}

func (f *sourceFile) setTargetFile(d *DiskFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targetFile = d
}

func (f *sourceFile) targetDisk() *DiskFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targetFile
}

// claimComplete records d as the complete copy of the file if none has been
// found yet
func (f *sourceFile) claimComplete(d *DiskFile) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeFile != nil {
		return false
	}
	f.completeFile = d
	return true
}

func (f *sourceFile) complete() *DiskFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completeFile
}

func (f *sourceFile) resetComplete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeFile = nil
}

func (f *sourceFile) availableBlocks() int {
	count := 0
	for n := range f.sourceBlocks {
		if f.sourceBlocks[n].IsSet() {
			count++
		}
	}
	return count
}

type (
	// blockArena holds the source and target blocks of every file indexed by
	// global block ordinal
	blockArena struct {
		source []DataBlock
		target []DataBlock
	}
)

func newBlockArena(files []*sourceFile, blockSize uint64) *blockArena {
	total := 0
	for _, i := range files {
		if i != nil {
			total += i.blockCount
		}
	}
	a := &blockArena{
		source: make([]DataBlock, total),
		target: make([]DataBlock, total),
	}
	ordinal := 0
	for _, i := range files {
		if i == nil {
			continue
		}
		i.firstBlock = ordinal
		i.sourceBlocks = a.source[ordinal : ordinal+i.blockCount]
		i.targetBlocks = a.target[ordinal : ordinal+i.blockCount]
		remaining := i.desc.Size
		for n := range i.blockCount {
			l := min(remaining, blockSize)
			i.sourceBlocks[n].length = l
			i.targetBlocks[n].length = l
			remaining -= l
		}
		ordinal += i.blockCount
	}
	return a
}

// Availability returns whether each source block is bound, by global ordinal
func (a *blockArena) Availability() []bool {
	res := make([]bool, len(a.source))
	for n := range a.source {
		res[n] = a.source[n].IsSet()
	}
	return res
}
