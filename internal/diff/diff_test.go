package diff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/bundlesync/internal/manifest"
)

func build(resVersion string, files map[string]string) *manifest.Manifest {
	m := manifest.New("skyfall", "1.0", resVersion)
	for name, hash := range files {
		m.PutFile(name, manifest.FileRecord{FileName: name, Size: 10, MD5: hash})
	}
	return m
}

func TestDiffFirstRun(t *testing.T) {
	server := build("1.02", map[string]string{"a": "h1", "b": "h2", "c": "h3"})

	res := Diff(nil, server)

	assert.Equal(t, []string{"a", "b", "c"}, res.New)
	assert.Empty(t, res.Changed)
	assert.Equal(t, 3, res.Update.FileCount())
	assert.Equal(t, Summary{Files: 3, NewFiles: 3, TotalSize: 30}, res.Summary())
}

func TestDiffNewAndChanged(t *testing.T) {
	local := build("1.01", map[string]string{"a": "h1", "b": "h2"})
	server := build("1.02", map[string]string{"a": "h1", "b": "h2x", "c": "h3"})

	res := Diff(local, server)

	assert.Equal(t, []string{"c"}, res.New)
	assert.Equal(t, []string{"b"}, res.Changed)
	assert.Equal(t, []string{"b", "c"}, res.Update.Names())

	// Update records are copied unchanged from the server
	for _, name := range res.Update.Names() {
		want, _ := server.GetFile(name)
		got, _ := res.Update.GetFile(name)
		assert.Equal(t, want, got)
	}

	assert.Equal(t, server.ResourceVersion, res.Update.ResourceVersion)
	assert.Equal(t, server.AppVersion, res.Update.AppVersion)
	assert.Equal(t, server.ProductName, res.Update.ProductName)
}

func TestDiffIsAdditive(t *testing.T) {
	local := build("1.01", map[string]string{"a": "h1", "old": "h9"})
	server := build("1.02", map[string]string{"a": "h1"})

	res := Diff(local, server)

	assert.True(t, res.Empty())
	assert.Equal(t, []string{"old"}, res.Stale)
	assert.False(t, res.Update.HasFile("old"))
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	m := build("1.01", map[string]string{"a": "h1", "b": "h2"})

	res := Diff(m, m.Clone())
	assert.True(t, res.Empty())
	assert.Equal(t, Summary{}, res.Summary())
}

func TestDiffDoesNotMutateInputs(t *testing.T) {
	local := build("1.01", map[string]string{"a": "h1"})
	server := build("1.02", map[string]string{"a": "h2", "b": "h3"})
	localBefore := local.Clone()
	serverBefore := server.Clone()

	_ = Diff(local, server)

	if d := cmp.Diff(localBefore, local); d != "" {
		t.Errorf("local manifest mutated (-before +after):\n%s", d)
	}
	if d := cmp.Diff(serverBefore, server); d != "" {
		t.Errorf("server manifest mutated (-before +after):\n%s", d)
	}
}

func TestDiffUpdateIsSubsetOfServer(t *testing.T) {
	local := build("1.01", map[string]string{"a": "h1", "b": "h2", "d": "h4"})
	server := build("1.02", map[string]string{"a": "h1", "b": "hB", "c": "h3"})

	res := Diff(local, server)
	require.NotNil(t, res.Update)

	for _, name := range res.Update.Names() {
		require.True(t, server.HasFile(name))
		srv, _ := server.GetFile(name)
		loc, ok := local.GetFile(name)
		assert.True(t, !ok || loc.MD5 != srv.MD5, "%s selected but unchanged", name)
	}
}
