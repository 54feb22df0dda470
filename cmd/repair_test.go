package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"xorkevin.dev/bitrepair/parity"
	"xorkevin.dev/bitrepair/repair"
	"xorkevin.dev/klog"
)

func TestResolveSetPaths(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	cwd, err := os.Getwd()
	assert.NoError(err)

	for _, tc := range []struct {
		Name  string
		Base  string
		Par2  string
		Extra []string
		Exp   string
		Files []string
	}{
		{
			Name:  "defaults to recovery file dir",
			Par2:  "data/set.par2",
			Extra: []string{"data/old/a.bin", "/srv/b.bin"},
			Exp:   filepath.Join(cwd, "data"),
			Files: []string{filepath.Join(cwd, "data", "old", "a.bin"), "/srv/b.bin"},
		},
		{
			Name:  "explicit base path",
			Base:  "/srv/files",
			Par2:  "set.par2",
			Extra: []string{"a.bin"},
			Exp:   "/srv/files",
			Files: []string{filepath.Join(cwd, "a.bin")},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()

			assert := require.New(t)

			base, files, err := resolveSetPaths(tc.Base, tc.Par2, tc.Extra)
			assert.NoError(err)
			assert.Equal(tc.Exp, base)
			assert.Equal(tc.Files, files)
		})
	}
}

func TestVerifyExtraFilesFromWorkingDir(t *testing.T) {
	t.Parallel()

	assert := require.New(t)

	root := t.TempDir()
	cwd, err := os.Getwd()
	assert.NoError(err)
	rel, err := filepath.Rel(cwd, root)
	assert.NoError(err)

	fsys := afero.NewOsFs()
	data := map[string][]byte{
		"a.bin": []byte("a file that is moved out of the data dir before verification"),
		"b.bin": []byte("a file that stays where it is"),
	}
	var inputs []parity.CreateFile
	for _, name := range []string{"a.bin", "b.bin"} {
		p := filepath.Join(root, "data", name)
		assert.NoError(fsys.MkdirAll(filepath.Dir(p), 0o777))
		assert.NoError(afero.WriteFile(fsys, p, data[name], 0o644))
		inputs = append(inputs, parity.CreateFile{Path: p, Name: name})
	}
	par2 := filepath.Join(root, "data", "set.par2")
	assert.NoError(parity.Create(context.Background(), klog.Discard{}, fsys, par2, inputs, parity.CreateOpts{
		BlockSize:     16,
		RecoveryCount: 1,
	}))
	assert.NoError(fsys.MkdirAll(filepath.Join(root, "old"), 0o777))
	assert.NoError(fsys.Rename(filepath.Join(root, "data", "a.bin"), filepath.Join(root, "old", "a.bin")))

	base, extra, err := resolveSetPaths("", filepath.Join(rel, "data", "set.par2"), []string{filepath.Join(rel, "old", "a.bin")})
	assert.NoError(err)
	assert.Equal(filepath.Join(root, "data"), base)

	set, err := parity.Load(context.Background(), klog.Discard{}, fsys, []string{par2})
	assert.NoError(err)
	r, err := repair.New(klog.Discard{}, fsys, set, repair.Opts{
		BasePath: base,
	})
	assert.NoError(err)
	res, err := r.Verify(context.Background(), extra)
	assert.NoError(err)
	assert.Equal(1, res.RenamedFiles)
	assert.Equal(1, res.CompleteFiles)
	assert.Equal(0, res.MissingBlocks)

	rres, err := r.Repair(context.Background())
	assert.NoError(err)
	assert.True(rres.Repaired)
	b, err := afero.ReadFile(fsys, filepath.Join(root, "data", "a.bin"))
	assert.NoError(err)
	assert.Equal(data["a.bin"], b)
}
