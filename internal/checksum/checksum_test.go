package checksum

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func TestDigestIsContentAddressed(t *testing.T) {
	a := makeTree(t, map[string]string{"bin/tool": "v1", "README": "hi"})
	b := makeTree(t, map[string]string{"README": "hi", "bin/tool": "v1"})
	c := makeTree(t, map[string]string{"bin/tool": "v2", "README": "hi"})

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)
	dc, err := Digest(c)
	require.NoError(t, err)

	require.NoError(t, da.Validate())
	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
}

func TestTree(t *testing.T) {
	root := makeTree(t, map[string]string{"src/main.c": "int main(){}"})

	sha, err := Tree(root, SHA256)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sha, "sha256:"))
	assert.Len(t, sha, len("sha256:")+64)

	b3, err := Tree(root, BLAKE3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(b3, "blake3:"))
	assert.Len(t, b3, len("blake3:")+64)

	_, err = Tree(root, "md5")
	assert.ErrorContains(t, err, "unsupported checksum algorithm")
}

func TestVerify(t *testing.T) {
	root := makeTree(t, map[string]string{"a": "1"})
	sum, err := Tree(root, BLAKE3)
	require.NoError(t, err)

	t.Run("match", func(t *testing.T) {
		assert.NoError(t, Verify(root, strings.ToUpper(sum[:7])+sum[7:]))
	})

	t.Run("mismatch", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("2"), 0o644))
		err := Verify(root, sum)
		var mismatch *MismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, sum, mismatch.Want)
	})

	t.Run("malformed", func(t *testing.T) {
		assert.ErrorContains(t, Verify(root, "deadbeef"), "malformed checksum")
	})
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdef12", Short("sha256:abcdef1234567890", 8))
	assert.Equal(t, "abc", Short("abc", 8))
}
