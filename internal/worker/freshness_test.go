// internal/worker/freshness_test.go
package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbblackbox/gradepipe/internal/models"
)

func TestEnsureFresh(t *testing.T) {
	uploaded := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC).Unix()

	t.Run("missing blueprint is fatal", func(t *testing.T) {
		st := newMockStore()
		st.exercises["lab01"] = &models.Exercise{Identifier: "lab01"}
		checker := NewChecker(st, &fakeEngine{}, t.TempDir())

		_, err := checker.EnsureFresh(context.Background(), "lab01")
		assert.ErrorIs(t, err, ErrNoBlueprint)
	})

	t.Run("generated and current is a no-op", func(t *testing.T) {
		st := newMockStore()
		st.exercises["lab01"] = &models.Exercise{Identifier: "lab01", LastGeneratedTs: uploaded}
		st.blueprints["lab01"] = &models.Blueprint{Exercise: "lab01", Filename: "lab01.ipynb", UploadedTs: uploaded}
		eng := &fakeEngine{generated: true}
		checker := NewChecker(st, eng, t.TempDir())

		outcome, err := checker.EnsureFresh(context.Background(), "lab01")
		require.NoError(t, err)
		assert.Equal(t, FreshnessFresh, outcome)
		assert.Equal(t, 0, eng.generateCalls)
	})

	t.Run("never generated triggers regeneration", func(t *testing.T) {
		st := newMockStore()
		st.exercises["lab01"] = &models.Exercise{Identifier: "lab01"}
		st.blueprints["lab01"] = &models.Blueprint{
			Exercise:   "lab01",
			Filename:   "lab01.ipynb",
			Content:    []byte("{\"cells\": []}"),
			UploadedTs: uploaded,
		}
		eng := &fakeEngine{generated: false}
		courseDir := t.TempDir()
		checker := NewChecker(st, eng, courseDir)

		outcome, err := checker.EnsureFresh(context.Background(), "lab01")
		require.NoError(t, err)
		assert.Equal(t, FreshnessRegenerated, outcome)
		assert.Equal(t, 1, eng.generateCalls)
		assert.Equal(t, uploaded, st.exercises["lab01"].LastGeneratedTs)

		written, err := os.ReadFile(filepath.Join(courseDir, "source", "lab01", "lab01.ipynb"))
		require.NoError(t, err)
		assert.Equal(t, []byte("{\"cells\": []}"), written)
	})

	t.Run("asset bundle is unpacked next to the source", func(t *testing.T) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		f, err := zw.Create("data/input.csv")
		require.NoError(t, err)
		_, err = f.Write([]byte("a,b\n1,2\n"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		st := newMockStore()
		st.exercises["lab01"] = &models.Exercise{Identifier: "lab01"}
		st.blueprints["lab01"] = &models.Blueprint{
			Exercise:    "lab01",
			Filename:    "lab01.ipynb",
			Content:     []byte("{}"),
			AssetBundle: buf.Bytes(),
			UploadedTs:  uploaded,
		}
		courseDir := t.TempDir()
		checker := NewChecker(st, &fakeEngine{}, courseDir)

		_, err = checker.EnsureFresh(context.Background(), "lab01")
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(courseDir, "source", "lab01", "data", "input.csv"))
		require.NoError(t, err)
		assert.Equal(t, "a,b\n1,2\n", string(data))
	})
}

func TestUnpackBundleRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.CreateHeader(&zip.FileHeader{Name: "../evil.txt"})
	require.NoError(t, err)
	_, err = f.Write([]byte("nope"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	dir := t.TempDir()
	err = unpackBundle(buf.Bytes(), dir)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
