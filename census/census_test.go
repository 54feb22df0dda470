package census

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/bitrepair/repair"
	"xorkevin.dev/klog"
)

func TestCensus(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	rootDir := filepath.ToSlash(t.TempDir())
	storageDir := path.Join(rootDir, "storage")

	repoHelloFiles := map[string]string{
		"this/file/is/added.txt":   `this file is added`,
		"this/file/is/another.txt": `this file is also added and it is somewhat longer than the other one`,
		"this/exact.bin":           `exactly this file`,
	}
	otherFiles := map[string]string{
		"ignored_file":           `this file is ignored`,
		"this/file/ignored.json": `{"ignored": true}`,
	}

	addFile := func(name string, content string) {
		name = filepath.FromSlash(path.Join(storageDir, name))
		dir := filepath.Dir(name)
		assert.NoError(os.MkdirAll(dir, 0o777))
		assert.NoError(os.WriteFile(name, []byte(content), 0o644))
	}
	for k, v := range repoHelloFiles {
		addFile(path.Join("hello", k), v)
	}
	for k, v := range otherFiles {
		addFile(path.Join("hello", k), v)
	}

	cfg := Config{
		Sets: map[string]SetConfig{
			"hello": {
				Path: path.Join(storageDir, "hello"),
				Par2: "hello.par2",
				Dirs: []SetDirConfig{
					{
						Exact: false,
						Path:  "this",
						Match: `\.txt$`,
					},
					{
						Exact: true,
						Path:  "this/exact.bin",
					},
				},
				Create: parity.CreateOpts{
					BlockSize:     16,
					RecoveryCount: 4,
				},
			},
		},
	}

	census := NewCensus(klog.Discard{}, afero.NewOsFs(), repair.Opts{
		FileThreads: 2,
	})

	names, err := census.findFiles(context.Background(), cfg.Sets["hello"])
	assert.NoError(err)
	assert.Equal([]string{
		"this/exact.bin",
		"this/file/is/added.txt",
		"this/file/is/another.txt",
	}, names)

	assert.NoError(census.CreateSets(context.Background(), cfg))

	{
		res, err := census.VerifySets(context.Background(), cfg, VerifyFlags{})
		assert.NoError(err)
		assert.Len(res, 1)
		assert.Equal("hello", res[0].Name)
		assert.False(res[0].Verify.RepairRequired)
		assert.Nil(res[0].Repair)
	}

	helloDir := path.Join(storageDir, "hello")
	assert.NoError(os.Remove(filepath.FromSlash(path.Join(helloDir, "this/exact.bin"))))
	assert.NoError(os.WriteFile(filepath.FromSlash(path.Join(helloDir, "this/file/is/added.txt")), []byte(`this file is broken`), 0o644))

	{
		res, err := census.VerifySets(context.Background(), cfg, VerifyFlags{})
		assert.NoError(err)
		assert.Len(res, 1)
		assert.True(res[0].Verify.RepairRequired)
		assert.True(res[0].Verify.RepairPossible)
		assert.Nil(res[0].Repair)
	}

	{
		res, err := census.VerifySets(context.Background(), cfg, VerifyFlags{
			Repair: true,
		})
		assert.NoError(err)
		assert.Len(res, 1)
		assert.NotNil(res[0].Repair)
		assert.True(res[0].Repair.Repaired)
	}

	for k, v := range repoHelloFiles {
		b, err := os.ReadFile(filepath.FromSlash(path.Join(helloDir, k)))
		assert.NoError(err)
		assert.Equal(v, string(b))
	}

	{
		res, err := census.VerifySets(context.Background(), cfg, VerifyFlags{})
		assert.NoError(err)
		assert.False(res[0].Verify.RepairRequired)
	}
}

func TestCensusMissingFile(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	census := NewCensus(klog.Discard{}, afero.NewOsFs(), repair.Opts{})
	err := census.CreateSet(context.Background(), SetConfig{
		Path: t.TempDir(),
		Par2: "set.par2",
		Dirs: []SetDirConfig{
			{
				Exact: true,
				Path:  "missing",
			},
		},
		Create: parity.CreateOpts{
			BlockSize: 16,
		},
	})
	assert.ErrorIs(err, ErrNotFound)
}
