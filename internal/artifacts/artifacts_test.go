package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestOpenDetectsSupportedTypes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "u1/cv.txt", "Senior Go engineer\nKafka, Postgres")
	writeFile(t, dir, "u1/cv.md", "# Senior Go engineer\n\n- Kafka")
	writeFile(t, dir, "u1/cv.html", "<html><body><h1>Senior Go engineer</h1><p>Kafka</p></body></html>")

	store := NewFS(dir, 0)
	ctx := context.Background()

	tests := map[string]string{
		"u1/cv.txt":  TypePlain,
		"u1/cv.md":   TypeMarkdown,
		"u1/cv.html": TypeHTML,
	}
	for ref, want := range tests {
		a, err := store.Open(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, want, a.ContentType, ref)
		assert.EqualValues(t, len(a.Data), a.Size)
	}
}

func TestOpenRejectsInvalidArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.txt", strings.Repeat("a", 64))
	writeFile(t, dir, "cv.pdf", "%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")

	store := NewFS(dir, 32)
	ctx := context.Background()

	_, err := store.Open(ctx, "big.txt")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = store.Open(ctx, "cv.pdf")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = store.Open(ctx, "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, ref := range []string{"../etc/passwd", "/etc/passwd", ""} {
		_, err = store.Open(ctx, ref)
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
		assert.True(t, Invalid(err))
	}
}

func TestTextFromHTML(t *testing.T) {
	a := &Artifact{
		ContentType: TypeHTML,
		Data: []byte(`<html><head><style>h1{}</style></head><body>
<h1>Jane Doe</h1><script>alert(1)</script>
<ul><li>Go</li><li>Kubernetes</li></ul></body></html>`),
	}

	text, err := Text(a)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe\nGo\nKubernetes", text)
}

func TestTextCollapsesWhitespace(t *testing.T) {
	text, err := Text(&Artifact{ContentType: TypePlain, Data: []byte("  Go   developer \r\n\r\n\tSQL  ")})
	require.NoError(t, err)
	assert.Equal(t, "Go developer\nSQL", text)
}
