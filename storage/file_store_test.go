package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoQA/core"
)

func newTestFileStore(t *testing.T) (*FileBundleStore, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewFileBundleStore(root, IndexCodec{})
	require.NoError(t, err)
	return s, root
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	b := testBundle(t, "lecture")

	require.NoError(t, s.Save(ctx, b))
	got, err := s.Load(ctx, "lecture")
	require.NoError(t, err)

	assert.Equal(t, b.VideoPath, got.VideoPath)
	assert.Equal(t, b.Transcripts, got.Transcripts)
	assert.Empty(t, got.Texts)
	assert.Equal(t, b.Frames, got.Frames)
	assert.Equal(t, 2, got.TranscriptIndex.Len())
	assert.Equal(t, 0, got.TextIndex.Len())

	hits, err := got.TranscriptIndex.Search(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].Ordinal)
}

func TestFileStoreResaveIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFileStore(t)
	require.NoError(t, s.Save(ctx, testBundle(t, "talk")))

	first := readArtifacts(t, s, root, "talk")
	loaded, err := s.Load(ctx, "talk")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, loaded))
	second := readArtifacts(t, s, root, "talk")

	for _, name := range artifactNames {
		assert.Equal(t, first[name], second[name], name)
	}
}

func readArtifacts(t *testing.T, s *FileBundleStore, root, key string) map[string][]byte {
	t.Helper()
	version, err := s.readCurrent(key)
	require.NoError(t, err)
	out := map[string][]byte{}
	for _, name := range artifactNames {
		data, err := os.ReadFile(filepath.Join(root, key, version, name))
		require.NoError(t, err)
		out[name] = data
	}
	return out
}

func TestFileStoreMissingAndPartial(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFileStore(t)

	_, err := s.Load(ctx, "nothing")
	assert.True(t, errors.Is(err, core.ErrBundleNotFound))

	require.NoError(t, s.Save(ctx, testBundle(t, "partial")))
	version, err := s.readCurrent("partial")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "partial", version, ArtifactFrames)))

	_, err = s.Load(ctx, "partial")
	assert.True(t, core.NeedsReindex(err))
	assert.True(t, errors.Is(err, core.ErrBundleNotFound))
}

func TestFileStoreCorruptArtifact(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFileStore(t)
	require.NoError(t, s.Save(ctx, testBundle(t, "broken")))
	version, _ := s.readCurrent("broken")
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken", version, ArtifactMeta), []byte("{"), 0644))

	_, err := s.Load(ctx, "broken")
	assert.True(t, errors.Is(err, core.ErrBundleCorrupt))
}

func TestFileStoreKeepsCurrentAndPrevious(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Save(ctx, testBundle(t, "v")))
	}
	versions, err := s.Versions("v")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	current, _ := s.readCurrent("v")
	assert.Contains(t, versions, current)
}

func TestFileStoreConcurrentReadersSeeCompleteBundles(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	require.NoError(t, s.Save(ctx, testBundle(t, "busy")))

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := s.Save(ctx, testBundle(t, "busy")); err != nil {
					errs <- err
				}
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b, err := s.Load(ctx, "busy")
				if err != nil {
					// a reader may lose a race with pruning two saves later
					if !errors.Is(err, core.ErrBundleNotFound) {
						errs <- err
					}
					continue
				}
				if err := b.Check(); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestFileStoreConcurrentSavesAllPublish(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				if err := s.Save(ctx, testBundle(t, "race")); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	got, err := s.Load(ctx, "race")
	require.NoError(t, err)
	assert.NoError(t, got.Check())
	versions, err := s.Versions("race")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestFileStorePruneKeepsNewerVersions(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFileStore(t)
	require.NoError(t, s.Save(ctx, testBundle(t, "inflight")))
	current, err := s.readCurrent("inflight")
	require.NoError(t, err)

	keyDir := filepath.Join(root, "inflight")
	older := filepath.Join(keyDir, "00000000-0000-7000-8000-000000000000")
	newer := filepath.Join(keyDir, newVersion())
	require.NoError(t, os.MkdirAll(older, 0755))
	require.NoError(t, os.MkdirAll(newer, 0755))

	s.prune(keyDir, current, "")

	assert.NoDirExists(t, older)
	assert.DirExists(t, newer)
	assert.DirExists(t, filepath.Join(keyDir, current))
}

func TestEncodeFramesRejectsMixedShapes(t *testing.T) {
	_, err := EncodeFrames([]core.Frame{core.BlankFrame(2, 2), core.BlankFrame(3, 2)})
	assert.Error(t, err)

	_, err = DecodeFrames([]byte("not gzip"))
	assert.True(t, errors.Is(err, core.ErrBundleCorrupt))
}
