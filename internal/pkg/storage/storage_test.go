package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePutDelete(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, "http://localhost:4000/files/")
	require.NoError(t, err)
	ctx := context.Background()

	url, err := store.Put(ctx, "generations", "a/b.jpg", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000/files/generations/a/b.jpg", url)

	data, err := os.ReadFile(filepath.Join(root, "generations", "a", "b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	assert.Equal(t, "a/b.jpg", KeyFromURL("http://localhost:4000/files", "generations", url))
	assert.Equal(t, "", KeyFromURL("http://localhost:4000/files", "videos", url))

	require.NoError(t, store.Delete(ctx, "generations", "a/b.jpg"))
	_, err = os.Stat(filepath.Join(root, "generations", "a", "b.jpg"))
	assert.True(t, os.IsNotExist(err))

	// deleting twice is not an error
	assert.NoError(t, store.Delete(ctx, "generations", "a/b.jpg"))
	assert.NoError(t, store.Check(ctx))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "http://x")
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "uploads", "../../etc/passwd", []byte("x"), "")
	assert.Error(t, err)
	_, err = store.Put(context.Background(), "", "k", []byte("x"), "")
	assert.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	k1 := ObjectKey("uploads", "my living room.JPG")
	k2 := ObjectKey("uploads", "my living room.JPG")

	assert.NotEqual(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "uploads/"))
	assert.True(t, strings.HasSuffix(k1, "_my_living_room.JPG"))
	assert.True(t, strings.HasSuffix(ObjectKey("", "../../"), "_file"))
	assert.NotContains(t, ObjectKey("", "../x.png"), "..")
}

func TestTaskKeyIsStable(t *testing.T) {
	k := TaskKey("guests", "task 9f/x", ".png")
	assert.Equal(t, k, TaskKey("guests", "task 9f/x", ".png"))
	assert.Equal(t, "guests/task_9f_x.png", k)
	assert.Equal(t, "guests/x.png", TaskKey("guests", "../x", ".png"))
	assert.Equal(t, "file.jpg", TaskKey("", "", ".jpg"))
}

func TestContentTypes(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionFor("image/jpeg"))
	assert.Equal(t, ".webp", ExtensionFor("image/webp; charset=binary"))
	assert.Equal(t, ".mp4", ExtensionFor("video/mp4"))
	assert.Equal(t, "image/png", getContentType(".PNG"))
	assert.Equal(t, "application/octet-stream", getContentType(".exe"))
}
