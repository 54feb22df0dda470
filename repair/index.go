package repair

import (
	"xorkevin.dev/bitrepair/parity"
)

type (
	// BlockFingerprint is the expected checksum of a source block
	BlockFingerprint struct {
		Ordinal int
		First   bool
		CRC     uint32
		Hash    parity.Hash
		file    *sourceFile
		block   *DataBlock
		// next is the fingerprint of the following block of the same file
		next *BlockFingerprint
	}

	// fingerprintIndex looks up block fingerprints by crc
	fingerprintIndex struct {
		byCRC map[uint32][]*BlockFingerprint
		// first holds the fingerprint of block 0 of each file by file index
		first map[int]*BlockFingerprint
	}
)

func newFingerprintIndex(files []*sourceFile) *fingerprintIndex {
	x := &fingerprintIndex{
		byCRC: map[uint32][]*BlockFingerprint{},
		first: map[int]*BlockFingerprint{},
	}
	for _, f := range files {
		if f == nil || !f.verifiable() {
			continue
		}
		fps := make([]BlockFingerprint, len(f.desc.Blocks))
		for n, i := range f.desc.Blocks {
			fps[n] = BlockFingerprint{
				Ordinal: n,
				First:   n == 0,
				CRC:     i.CRC,
				Hash:    i.Hash,
				file:    f,
				block:   &f.sourceBlocks[n],
			}
			if n > 0 {
				fps[n-1].next = &fps[n]
			}
			x.byCRC[i.CRC] = append(x.byCRC[i.CRC], &fps[n])
		}
		if len(fps) > 0 {
			x.first[f.index] = &fps[0]
		}
	}
	return x
}

func (x *fingerprintIndex) Empty() bool {
	return len(x.byCRC) == 0
}

type (
	lazyHash struct {
		cs   *checksummer
		ok   bool
		hash parity.Hash
	}
)

func (h *lazyHash) Get() parity.Hash {
	if !h.ok {
		h.hash = h.cs.Hash()
		h.ok = true
	}
	return h.hash
}

// findMatch looks for an unbound source block whose fingerprint matches the
// current window and binds it to the window location
//
// The expected successor is tried first. Otherwise blocks of the preferred
// file are favored. duplicate is true if only already bound blocks match.
func (x *fingerprintIndex) findMatch(cs *checksummer, disk *DiskFile, expected *BlockFingerprint, preferred *sourceFile) (match *BlockFingerprint, duplicate bool) {
	crc := cs.Checksum()
	h := lazyHash{cs: cs}
	off := cs.Offset()

	if expected != nil && expected.CRC == crc && expected.Hash == h.Get() {
		if expected.block.Claim(disk, off) {
			return expected, false
		}
		duplicate = true
	}

	candidates := x.byCRC[crc]
	if len(candidates) == 0 {
		return nil, duplicate
	}
	if preferred != nil {
		for _, i := range candidates {
			if i.file != preferred || i.Hash != h.Get() {
				continue
			}
			if i.block.Claim(disk, off) {
				return i, false
			}
			duplicate = true
		}
	}
	for _, i := range candidates {
		if i.Hash != h.Get() {
			continue
		}
		if i.block.Claim(disk, off) {
			return i, false
		}
		duplicate = true
	}
	return nil, duplicate
}
