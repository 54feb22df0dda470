package repair

import (
	"context"
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/klog"
)

const (
	testBlockSize = 64
	testSetPath   = "data/set.par2"
)

type (
	testFile struct {
		Name string
		Data []byte
	}
)

func testFiles() []testFile {
	return []testFile{
		{Name: "a.bin", Data: randBytes(1, testBlockSize*5+20)},
		{Name: "b.bin", Data: randBytes(2, testBlockSize*3)},
		{Name: "sub/c.bin", Data: randBytes(3, 100)},
		{Name: "e.bin", Data: []byte{}},
	}
}

func writeTestSet(t *testing.T, fsys afero.Fs, files []testFile, recovery int) *parity.Set {
	t.Helper()

	assert := require.New(t)

	var inputs []parity.CreateFile
	for _, i := range files {
		p := path.Join("data", i.Name)
		assert.NoError(fsys.MkdirAll(path.Dir(p), 0o777))
		assert.NoError(afero.WriteFile(fsys, p, i.Data, 0o644))
		inputs = append(inputs, parity.CreateFile{Path: p, Name: i.Name})
	}
	assert.NoError(parity.Create(context.Background(), klog.Discard{}, fsys, testSetPath, inputs, parity.CreateOpts{
		BlockSize:     testBlockSize,
		RecoveryCount: recovery,
	}))
	set, err := parity.Load(context.Background(), klog.Discard{}, fsys, []string{testSetPath})
	assert.NoError(err)
	return set
}

func newTestRepairer(t *testing.T, fsys afero.Fs, set *parity.Set, opts Opts) *Repairer {
	t.Helper()

	opts.BasePath = "data"
	if opts.FileThreads == 0 {
		opts.FileThreads = 2
	}
	if opts.Threads == 0 {
		opts.Threads = 2
	}
	r, err := New(klog.Discard{}, fsys, set, opts)
	require.NoError(t, err)
	return r
}

func assertFiles(t *testing.T, fsys afero.Fs, files []testFile) {
	t.Helper()

	assert := require.New(t)

	for _, i := range files {
		b, err := afero.ReadFile(fsys, path.Join("data", i.Name))
		assert.NoError(err)
		assert.Equal(i.Data, b, i.Name)
	}
}

func corruptFile(t *testing.T, fsys afero.Fs, name string, off int) {
	t.Helper()

	assert := require.New(t)

	b, err := afero.ReadFile(fsys, name)
	assert.NoError(err)
	b[off] ^= 0xff
	assert.NoError(afero.WriteFile(fsys, name, b, 0o644))
}

func TestVerifyIntact(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	fsys := afero.NewMemMapFs()
	files := testFiles()
	set := writeTestSet(t, fsys, files, 2)
	r := newTestRepairer(t, fsys, set, Opts{})

	res, err := r.Verify(context.Background(), nil)
	assert.NoError(err)
	assert.False(res.RepairRequired)
	assert.True(res.RepairPossible)
	assert.Equal(Stats{
		CompleteFiles:   4,
		AvailableBlocks: 11,
		TotalBlocks:     11,
		RecoveryBlocks:  2,
	}, res.Stats)
	avail := r.Availability()
	assert.Len(avail, 11)
	for _, i := range avail {
		assert.True(i)
	}

	res2, err := r.Verify(context.Background(), nil)
	assert.NoError(err)
	assert.Equal(res, res2)
	assert.Equal(avail, r.Availability())

	rres, err := r.Repair(context.Background())
	assert.NoError(err)
	assert.False(rres.Repaired)
	assert.Equal(uint64(0), rres.BytesWritten)
}

func TestScanShifted(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		Name  string
		Shift int
		Opts  Opts
	}{
		{
			Name:  "shifted",
			Shift: 37,
		},
		{
			Name:  "shifted by more than a block",
			Shift: testBlockSize*2 + 5,
		},
		{
			Name:  "skip data",
			Shift: 3,
			Opts: Opts{
				SkipData:   true,
				SkipLeeway: 4,
			},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()

			assert := require.New(t)

			fsys := afero.NewMemMapFs()
			files := testFiles()
			set := writeTestSet(t, fsys, files, 1)
			shifted := append(randBytes(99, tc.Shift), files[0].Data...)
			assert.NoError(afero.WriteFile(fsys, "data/a.bin", shifted, 0o644))

			r := newTestRepairer(t, fsys, set, tc.Opts)
			var target *sourceFile
			for _, i := range r.files {
				if i.desc.Name == "a.bin" {
					target = i
				}
			}
			assert.NotNil(target)
			disk, err := statDiskFile(fsys, "data/a.bin")
			assert.NoError(err)
			scan, err := r.scanDataFile(context.Background(), disk, target)
			assert.NoError(err)
			assert.Equal(PartialMatch, scan.Match)
			assert.Equal(target, scan.File)
			assert.Equal(target.blockCount, scan.Count)
			for n := range target.sourceBlocks {
				d, off, ok := target.sourceBlocks[n].Location()
				assert.True(ok)
				assert.Equal(disk, d)
				assert.Equal(int64(tc.Shift+n*testBlockSize), off)
			}
		})
	}
}

func TestVerifyRepair(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		Name     string
		Recovery int
		Damage   func(t *testing.T, fsys afero.Fs)
		Opts     Opts
		Stats    Stats
	}{
		{
			Name:     "missing and corrupt",
			Recovery: 5,
			Damage: func(t *testing.T, fsys afero.Fs) {
				corruptFile(t, fsys, "data/a.bin", testBlockSize+6)
				require.NoError(t, fsys.Remove("data/b.bin"))
				require.NoError(t, fsys.Remove("data/e.bin"))
			},
			Stats: Stats{
				CompleteFiles:   1,
				DamagedFiles:    1,
				MissingFiles:    2,
				AvailableBlocks: 7,
				MissingBlocks:   4,
				TotalBlocks:     11,
				RecoveryBlocks:  5,
			},
		},
		{
			Name:     "truncated",
			Recovery: 2,
			Damage: func(t *testing.T, fsys afero.Fs) {
				b, err := afero.ReadFile(fsys, "data/a.bin")
				require.NoError(t, err)
				require.NoError(t, afero.WriteFile(fsys, "data/a.bin", b[:testBlockSize*4+10], 0o644))
			},
			Stats: Stats{
				CompleteFiles:   3,
				DamagedFiles:    1,
				AvailableBlocks: 9,
				MissingBlocks:   2,
				TotalBlocks:     11,
				RecoveryBlocks:  2,
			},
		},
		{
			Name:     "tiled",
			Recovery: 3,
			Damage: func(t *testing.T, fsys afero.Fs) {
				corruptFile(t, fsys, "data/a.bin", 3)
				corruptFile(t, fsys, "data/b.bin", testBlockSize*2+1)
			},
			Opts: Opts{
				MemoryLimit:     16 * 14,
				TransferBuffers: 4,
			},
			Stats: Stats{
				CompleteFiles:   2,
				DamagedFiles:    2,
				AvailableBlocks: 9,
				MissingBlocks:   2,
				TotalBlocks:     11,
				RecoveryBlocks:  3,
			},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()

			assert := require.New(t)

			fsys := afero.NewMemMapFs()
			files := testFiles()
			set := writeTestSet(t, fsys, files, tc.Recovery)
			tc.Damage(t, fsys)

			r := newTestRepairer(t, fsys, set, tc.Opts)
			res, err := r.Verify(context.Background(), nil)
			assert.NoError(err)
			assert.True(res.RepairRequired)
			assert.True(res.RepairPossible)
			assert.Equal(tc.Stats, res.Stats)
			count := 0
			for _, i := range r.Availability() {
				if !i {
					count++
				}
			}
			assert.Equal(tc.Stats.MissingBlocks, count)

			rres, err := r.Repair(context.Background())
			assert.NoError(err)
			assert.True(rres.Repaired)
			assert.True(rres.BytesWritten > 0)
			assert.Equal(4, rres.CompleteFiles)
			assert.Equal(0, rres.MissingBlocks)
			assertFiles(t, fsys, files)

			res, err = r.Verify(context.Background(), nil)
			assert.NoError(err)
			assert.False(res.RepairRequired)
		})
	}
}

func TestRepairInsufficient(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	fsys := afero.NewMemMapFs()
	files := testFiles()
	set := writeTestSet(t, fsys, files, 2)
	require.NoError(t, fsys.Remove("data/b.bin"))

	r := newTestRepairer(t, fsys, set, Opts{})
	res, err := r.Verify(context.Background(), nil)
	assert.NoError(err)
	assert.True(res.RepairRequired)
	assert.False(res.RepairPossible)
	assert.Equal(3, res.MissingBlocks)

	_, err = r.Repair(context.Background())
	assert.ErrorIs(err, ErrRepairImpossible)
	ok, err := afero.Exists(fsys, "data/b.bin")
	assert.NoError(err)
	assert.False(ok)
}

func TestRepairDefectiveRecovery(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	fsys := afero.NewMemMapFs()
	files := testFiles()
	set := writeTestSet(t, fsys, files, 4)
	require.NoError(t, fsys.Remove("data/b.bin"))
	// damage recovery data after loading so that its packet is still accepted
	assert.Equal(uint16(0), set.Recovery[0].Exponent)
	corruptFile(t, fsys, testSetPath, int(set.Recovery[0].Offset)+9)

	r := newTestRepairer(t, fsys, set, Opts{})
	res, err := r.Verify(context.Background(), nil)
	assert.NoError(err)
	assert.True(res.RepairPossible)
	assert.Equal(3, res.MissingBlocks)

	rres, err := r.Repair(context.Background())
	assert.NoError(err)
	assert.True(rres.Repaired)
	// only the writes of the successful attempt are counted
	assert.Equal(uint64(len(files[1].Data)), rres.BytesWritten)
	assertFiles(t, fsys, files)
}

func TestVerifyExtraFiles(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	fsys := afero.NewMemMapFs()
	files := testFiles()
	set := writeTestSet(t, fsys, files, 1)
	assert.NoError(fsys.Rename("data/a.bin", "data/a.copy"))

	r := newTestRepairer(t, fsys, set, Opts{})
	res, err := r.Verify(context.Background(), []string{"b.bin", "a.copy", "a.copy", "set.par2", "missing"})
	assert.NoError(err)
	assert.True(res.RepairRequired)
	assert.True(res.RepairPossible)
	assert.Equal(Stats{
		CompleteFiles:   3,
		RenamedFiles:    1,
		AvailableBlocks: 11,
		TotalBlocks:     11,
		RecoveryBlocks:  1,
	}, res.Stats)

	rres, err := r.Repair(context.Background())
	assert.NoError(err)
	assert.True(rres.Repaired)
	assert.Equal(uint64(0), rres.BytesWritten)
	assertFiles(t, fsys, files)
	ok, err := afero.Exists(fsys, "data/a.copy")
	assert.NoError(err)
	assert.False(ok)
}

func TestVerifyUnverifiable(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	fsys := afero.NewMemMapFs()
	files := testFiles()
	set := writeTestSet(t, fsys, files, 1)
	for n, i := range set.Files {
		if i.Name == "b.bin" {
			desc := *i
			desc.Blocks = nil
			set.Files[n] = &desc
		}
	}
	assert.NoError(fsys.Rename("data/b.bin", "data/b.moved"))

	r := newTestRepairer(t, fsys, set, Opts{})
	res, err := r.Verify(context.Background(), []string{"b.moved"})
	assert.NoError(err)
	assert.Equal(1, res.RenamedFiles)
	assert.Equal(0, res.MissingBlocks)

	rres, err := r.Repair(context.Background())
	assert.NoError(err)
	assert.True(rres.Repaired)
	assertFiles(t, fsys, files)
}

func TestRepairMemoryLimit(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	_, err := tileSize(testBlockSize, 10, 1, 4)
	assert.ErrorIs(err, ErrMemoryLimit)
	ts, err := tileSize(testBlockSize, 1<<20, 1, 4)
	assert.NoError(err)
	assert.Equal(uint64(testBlockSize), ts)
	ts, err = tileSize(testBlockSize, 100, 1, 4)
	assert.NoError(err)
	assert.Equal(uint64(20), ts)

	fsys := afero.NewMemMapFs()
	files := testFiles()
	set := writeTestSet(t, fsys, files, 2)
	assert.NoError(fsys.Remove("data/sub/c.bin"))

	r := newTestRepairer(t, fsys, set, Opts{
		MemoryLimit: 8,
	})
	res, err := r.Verify(context.Background(), nil)
	assert.NoError(err)
	assert.True(res.RepairPossible)
	_, err = r.Repair(context.Background())
	assert.ErrorIs(err, ErrMemoryLimit)
	ok, err := afero.Exists(fsys, "data/sub/c.bin")
	assert.NoError(err)
	assert.False(ok)
}

func TestPurge(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	fsys := afero.NewMemMapFs()
	files := testFiles()
	set := writeTestSet(t, fsys, files, 1)
	corruptFile(t, fsys, "data/b.bin", 0)

	r := newTestRepairer(t, fsys, set, Opts{
		Purge: true,
	})
	_, err := r.Verify(context.Background(), nil)
	assert.NoError(err)
	rres, err := r.Repair(context.Background())
	assert.NoError(err)
	assert.True(rres.Repaired)
	assertFiles(t, fsys, files)
	for _, i := range []string{"data/b.bin.1", testSetPath} {
		ok, err := afero.Exists(fsys, i)
		assert.NoError(err)
		assert.False(ok, i)
	}
}

func TestPurgeKeepsRelocatedFile(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	fsys := afero.NewMemMapFs()
	files := testFiles()
	set := writeTestSet(t, fsys, files, 6)
	// the target of a.bin holds a complete copy of b.bin
	assert.NoError(fsys.Remove("data/a.bin"))
	assert.NoError(fsys.Rename("data/b.bin", "data/a.bin"))

	r := newTestRepairer(t, fsys, set, Opts{
		Purge: true,
	})
	res, err := r.Verify(context.Background(), nil)
	assert.NoError(err)
	assert.True(res.RepairPossible)
	assert.Equal(1, res.RenamedFiles)
	assert.Equal(1, res.DamagedFiles)

	rres, err := r.Repair(context.Background())
	assert.NoError(err)
	assert.True(rres.Repaired)
	assertFiles(t, fsys, files)
	for _, i := range []string{"data/a.bin.1", testSetPath} {
		ok, err := afero.Exists(fsys, i)
		assert.NoError(err)
		assert.False(ok, i)
	}
}

func TestRepairRequiresVerify(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	fsys := afero.NewMemMapFs()
	set := writeTestSet(t, fsys, testFiles(), 1)
	r := newTestRepairer(t, fsys, set, Opts{})
	_, err := r.Repair(context.Background())
	assert.ErrorIs(err, ErrVerify)
}
