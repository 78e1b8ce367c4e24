// Package fs stores every key as a file under a base directory. Keys may
// contain "/", which maps to nested directories.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"go.miragespace.co/kv"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	tempPattern = ".kv-tmp-*"
	tempPrefix  = ".kv-tmp-"
	bufferSize  = 32 * 1024
)

// Option configures a FilesystemKV.
type Option func(*FilesystemKV)

// FileSystem sets the file system to use. Defaults to the OS file system.
func FileSystem(fs afero.Fs) Option {
	return func(f *FilesystemKV) {
		f.root = fs
	}
}

// Extension is appended to every key to form its file name, and stripped
// when listing. Files without it are not keys.
func Extension(ext string) Option {
	return func(f *FilesystemKV) {
		f.ext = ext
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *FilesystemKV) {
		f.logger = logger
	}
}

type FilesystemKV struct {
	root    afero.Fs
	fs      *afero.BasePathFs
	baseDir string
	ext     string
	logger  *zap.Logger
}

var (
	_ kv.Store[[]byte]  = (*FilesystemKV)(nil)
	_ kv.Haser          = (*FilesystemKV)(nil)
	_ kv.Clearer        = (*FilesystemKV)(nil)
	_ kv.Copier[[]byte] = (*FilesystemKV)(nil)
	_ kv.Mover[[]byte]  = (*FilesystemKV)(nil)
)

func init() {
	kv.Register(func(_ context.Context, uri string, logger *zap.Logger) (kv.Store[[]byte], error) {
		base, params, err := kv.SplitParams(strings.TrimPrefix(uri, "file://"))
		if err != nil {
			return nil, err
		}
		return New(base, Extension(params["extension"]), WithLogger(logger))
	}, kv.SchemeMatcher("file"))
}

// New opens (creating if needed) a store rooted at baseDir. Paths derived
// from keys cannot escape baseDir.
func New(baseDir string, opts ...Option) (*FilesystemKV, error) {
	f := &FilesystemKV{
		root:    afero.NewOsFs(),
		baseDir: baseDir,
	}
	for _, apply := range opts {
		apply(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	f.logger = f.logger.With(zap.String("component", "fs"), zap.String("base", baseDir))

	if err := f.root.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating base directory %q: %w", baseDir, err)
	}
	f.fs = afero.NewBasePathFs(f.root, baseDir).(*afero.BasePathFs)
	return f, nil
}

func (f *FilesystemKV) String() string {
	return fmt.Sprintf("FilesystemKV(%q, extension=%q)", f.baseDir, f.ext)
}

func (f *FilesystemKV) path(key string) string {
	return filepath.FromSlash(key) + f.ext
}

func (f *FilesystemKV) Insert(ctx context.Context, key string, val []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	p := f.path(key)
	if err := f.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return f.storeError(key, err)
	}

	tmp, err := afero.TempFile(f.fs, filepath.Dir(p), tempPattern)
	if err != nil {
		return f.storeError(key, err)
	}
	name := tmp.Name()
	_, err = tmp.Write(val)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = f.fs.Rename(name, p)
	}
	if err != nil {
		f.fs.Remove(name)
		return f.storeError(key, err)
	}
	return nil
}

func (f *FilesystemKV) Read(ctx context.Context, key string) ([]byte, error) {
	if err := f.regular(key); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, f.path(key))
	if err != nil {
		return nil, f.translate(key, err)
	}
	return data, nil
}

func (f *FilesystemKV) Delete(ctx context.Context, key string) error {
	if err := f.regular(key); err != nil {
		return err
	}
	if err := f.fs.Remove(f.path(key)); err != nil {
		return f.translate(key, err)
	}
	return nil
}

func (f *FilesystemKV) Has(ctx context.Context, key string) (bool, error) {
	err := f.regular(key)
	switch {
	case err == nil:
		return true, nil
	case kv.IsInexistent(err):
		return false, nil
	default:
		return false, err
	}
}

func (f *FilesystemKV) Keys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stop := errors.New("stop")
		err := afero.Walk(f.fs, ".", func(p string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					// removed while walking
					return nil
				}
				if !yield("", kv.StoreError(err)) {
					return stop
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
				return nil
			}
			key, ok := f.key(p)
			if !ok {
				return nil
			}
			if !yield(key, nil) {
				return stop
			}
			return nil
		})
		if err != nil && err != stop {
			yield("", kv.StoreError(err))
		}
	}
}

func (f *FilesystemKV) key(p string) (string, bool) {
	p = strings.TrimPrefix(filepath.ToSlash(p), "/")
	if f.ext == "" {
		return p, p != ""
	}
	key, ok := strings.CutSuffix(p, f.ext)
	return key, ok && key != ""
}

// Clear removes the base directory and recreates it empty.
func (f *FilesystemKV) Clear(ctx context.Context) error {
	if err := f.root.RemoveAll(f.baseDir); err != nil {
		return kv.StoreError(err)
	}
	if err := f.root.MkdirAll(f.baseDir, 0o755); err != nil {
		return kv.StoreError(err)
	}
	return nil
}

// CopyTo streams the file when the target is also a FilesystemKV.
func (f *FilesystemKV) CopyTo(ctx context.Context, key string, to kv.Store[[]byte], toKey string) (bool, error) {
	dst, ok := to.(*FilesystemKV)
	if !ok {
		return false, nil
	}
	if err := f.regular(key); err != nil {
		return true, err
	}
	if err := checkKey(toKey); err != nil {
		return true, err
	}

	src, err := f.fs.Open(f.path(key))
	if err != nil {
		return true, f.translate(key, err)
	}
	defer src.Close()

	p := dst.path(toKey)
	if err := dst.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return true, dst.storeError(toKey, err)
	}
	tmp, err := afero.TempFile(dst.fs, filepath.Dir(p), tempPattern)
	if err != nil {
		return true, dst.storeError(toKey, err)
	}
	name := tmp.Name()

	buf := pool.Get(bufferSize)
	defer pool.Put(buf)
	_, err = io.CopyBuffer(tmp, src, buf)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = dst.fs.Rename(name, p)
	}
	if err != nil {
		dst.fs.Remove(name)
		return true, dst.storeError(toKey, err)
	}
	return true, nil
}

// MoveTo renames the file when both stores share the same file system.
func (f *FilesystemKV) MoveTo(ctx context.Context, key string, to kv.Store[[]byte], toKey string) (bool, error) {
	dst, ok := to.(*FilesystemKV)
	if !ok || !sameFs(f.root, dst.root) {
		return false, nil
	}
	if err := f.regular(key); err != nil {
		return true, err
	}
	if err := checkKey(toKey); err != nil {
		return true, err
	}

	from, err := f.fs.RealPath(f.path(key))
	if err != nil {
		return true, f.translate(key, err)
	}
	target, err := dst.fs.RealPath(dst.path(toKey))
	if err != nil {
		return true, dst.storeError(toKey, err)
	}
	if from == target {
		return true, nil
	}
	if err := f.root.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return true, dst.storeError(toKey, err)
	}
	if err := f.root.Rename(from, target); err != nil {
		return true, f.translate(key, err)
	}
	return true, nil
}

func sameFs(a, b afero.Fs) bool {
	if _, ok := a.(*afero.OsFs); ok {
		_, ok = b.(*afero.OsFs)
		return ok
	}
	return a == b
}

// regular returns nil if key is a regular file, InexistentItem if it is
// missing or a directory.
func (f *FilesystemKV) regular(key string) error {
	if !canonical(key) {
		return kv.InexistentItem(key, "not a storable key")
	}
	info, err := f.fs.Stat(f.path(key))
	if err != nil {
		return f.translate(key, err)
	}
	if info.IsDir() {
		return kv.InexistentItem(key, "is a directory")
	}
	return nil
}

// canonical reports whether key maps to exactly one file and is listed back
// unchanged by Keys: no empty, "." or ".." segments, no temp file names.
func canonical(key string) bool {
	if key == "" {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, tempPrefix) {
			return false
		}
	}
	return true
}

func checkKey(key string) error {
	if canonical(key) {
		return nil
	}
	e := kv.StoreErrorf("key %q cannot be stored as a file path", key)
	e.Key = key
	return e
}

func (f *FilesystemKV) translate(key string, err error) error {
	if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
		return kv.InexistentItem(key, err.Error())
	}
	return f.storeError(key, err)
}

func (f *FilesystemKV) storeError(key string, err error) error {
	f.logger.Warn("file operation failed", zap.String("key", key), zap.Error(err))
	e := kv.StoreError(err)
	e.Key = key
	return e
}
