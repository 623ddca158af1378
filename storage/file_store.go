package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"videoQA/core"
)

const currentFile = "CURRENT"

const keyLockFile = ".lock"

// FileBundleStore keeps bundles under <root>/<key>/<version>/ and publishes
// a version by atomically replacing <root>/<key>/CURRENT. Saves of one key
// are serialized in-process and across processes via flock on
// <root>/<key>/.lock.
type FileBundleStore struct {
	root    string
	decoder core.IndexDecoder
	logger  *log.Logger

	keyLocks sync.Map // key -> *sync.Mutex
}

// NewFileBundleStore 创建本地文件存储
func NewFileBundleStore(root string, decoder core.IndexDecoder) (*FileBundleStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create bundle root: %w", err)
	}
	return &FileBundleStore{
		root:    root,
		decoder: decoder,
		logger:  log.New(os.Stdout, "[FILE-STORE] ", log.LstdFlags),
	}, nil
}

func (s *FileBundleStore) Save(ctx context.Context, b *core.VideoBundle) error {
	files, err := encodeBundle(b)
	if err != nil {
		return err
	}
	keyDir := filepath.Join(s.root, b.Key)
	if err := os.MkdirAll(keyDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	unlock, err := s.lockKey(b.Key, keyDir)
	if err != nil {
		return err
	}
	defer unlock()

	version := newVersion()
	dir := filepath.Join(keyDir, version)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	for _, name := range artifactNames {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(dir)
			return err
		}
		if err := writeFileSync(filepath.Join(dir, name), files[name]); err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("%w: write %s: %v", core.ErrStoreUnavailable, name, err)
		}
	}

	previous, _ := s.readCurrent(b.Key)
	tmp := filepath.Join(keyDir, currentFile+".tmp-"+version)
	if err := writeFileSync(tmp, []byte(version+"\n")); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, filepath.Join(keyDir, currentFile)); err != nil {
		os.Remove(tmp)
		os.RemoveAll(dir)
		return fmt.Errorf("%w: publish version: %v", core.ErrStoreUnavailable, err)
	}
	s.logger.Printf("saved bundle %s version %s (%d frames, %d segments, %d snippets)",
		b.Key, version, len(b.Frames), len(b.Transcripts), len(b.Texts))
	s.prune(keyDir, version, previous)
	return nil
}

func (s *FileBundleStore) Load(ctx context.Context, key string) (*core.VideoBundle, error) {
	version, err := s.readCurrent(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, key, version)
	files := make(map[string][]byte, len(artifactNames))
	for _, name := range artifactNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s is missing %s", core.ErrBundleNotFound, key, name)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", core.ErrStoreUnavailable, name, err)
		}
		files[name] = data
	}
	return decodeBundle(ctx, key, files, s.decoder)
}

func (s *FileBundleStore) readCurrent(key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, key, currentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", core.ErrBundleNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	version := strings.TrimSpace(string(data))
	if version == "" || strings.ContainsAny(version, `/\`) {
		return "", fmt.Errorf("%w: %s has an invalid version pointer", core.ErrBundleNotFound, key)
	}
	return version, nil
}

// lockKey takes the per-key mutex and then an exclusive flock on the key's
// lock file.
func (s *FileBundleStore) lockKey(key, keyDir string) (func(), error) {
	v, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	f, err := os.OpenFile(filepath.Join(keyDir, keyLockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("%w: open lock: %v", core.ErrStoreUnavailable, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("%w: flock %s: %v", core.ErrStoreUnavailable, key, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		mu.Unlock()
	}, nil
}

// prune removes versions other than the current and the previous one. The
// previous version stays so readers that resolved it just before the swap can
// finish. Versions newer than current belong to a writer still in progress.
func (s *FileBundleStore) prune(keyDir, current, previous string) {
	entries, err := os.ReadDir(keyDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == current || name == previous || name > current {
			continue
		}
		if err := os.RemoveAll(filepath.Join(keyDir, name)); err != nil {
			s.logger.Printf("prune %s: %v", name, err)
		}
	}
}

// Versions lists the version directories of a key, oldest first.
func (s *FileBundleStore) Versions(key string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, key))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// newVersion returns a version id that sorts by creation time.
func newVersion() string {
	return uuid.Must(uuid.NewV7()).String()
}
