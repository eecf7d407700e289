package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/example/food-calorie/internal/apperr"
	"github.com/example/food-calorie/internal/metrics"
)

var (
	// ErrAlreadyReleased is returned when an asset is released a second time.
	ErrAlreadyReleased = errors.New("asset already released")
	// ErrUnknownAsset is returned for handles this store did not issue.
	ErrUnknownAsset = errors.New("unknown asset")
)

// Asset is a request-scoped handle to an uploaded payload held in temporary storage.
type Asset struct {
	Key         string
	Name        string
	Size        int64
	ContentType string
	CreatedAt   time.Time

	released atomic.Bool
}

// Released reports whether the asset's storage has been reclaimed.
func (a *Asset) Released() bool {
	return a.released.Load()
}

// Store keeps uploaded bytes under opaque keys in an ephemeral directory.
type Store struct {
	fs      afero.Fs
	root    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	newKey  func() string

	mu   sync.Mutex
	live map[string]string // key -> location
}

// Option customises a Store.
type Option func(*Store)

// WithMetrics records acquire/release activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithKeyFunc overrides key generation.
func WithKeyFunc(fn func() string) Option {
	return func(s *Store) { s.newKey = fn }
}

// NewStore prepares root on fs and returns a store rooted there.
func NewStore(fs afero.Fs, root string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	if err := fs.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	s := &Store{
		fs:     fs,
		root:   root,
		logger: logger.Named("temp_store"),
		newKey: uuid.NewString,
		live:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Acquire writes data under a freshly allocated key. The declared name is only
// sanitized for display; it never contributes to the storage location.
func (s *Store) Acquire(ctx context.Context, data []byte, declaredName string) (*Asset, error) {
	const op = "storage.acquire"
	if err := ctx.Err(); err != nil {
		return nil, apperr.NewTransient(apperr.KindStorage, op, "request cancelled before storage", err)
	}

	detected := mimetype.Detect(data)
	key := s.newKey() + detected.Extension()
	location := filepath.Join(s.root, key)

	s.mu.Lock()
	if _, exists := s.live[key]; exists {
		s.mu.Unlock()
		s.metrics.AssetError("acquire")
		return nil, apperr.New(apperr.KindStorage, op, "storage key collision", fmt.Errorf("key %s in use", key))
	}
	s.live[key] = location
	s.mu.Unlock()

	if err := s.write(location, data); err != nil {
		s.forget(key)
		s.metrics.AssetError("write")
		s.logger.Error("failed to write temporary asset", zap.String("key", key), zap.Error(err))
		return nil, apperr.New(apperr.KindStorage, op, "failed to store upload", err)
	}

	s.metrics.AssetAcquired()
	s.logger.Debug("temporary asset stored",
		zap.String("key", key),
		zap.String("size", humanize.Bytes(uint64(len(data)))),
		zap.String("content_type", detected.String()),
	)

	return &Asset{
		Key:         key,
		Name:        SanitizeName(declaredName),
		Size:        int64(len(data)),
		ContentType: detected.String(),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *Store) write(location string, data []byte) error {
	f, err := s.fs.OpenFile(location, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Join(err, s.removeWithRetry(location))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Join(err, s.removeWithRetry(location))
	}
	if err := f.Close(); err != nil {
		return errors.Join(err, s.removeWithRetry(location))
	}
	return nil
}

// Read returns the stored bytes of a live asset.
func (s *Store) Read(asset *Asset) ([]byte, error) {
	const op = "storage.read"
	if asset == nil || asset.Released() {
		return nil, apperr.New(apperr.KindStorage, op, "asset is not live", ErrAlreadyReleased)
	}
	location, ok := s.lookup(asset.Key)
	if !ok {
		return nil, apperr.New(apperr.KindStorage, op, "asset is not live", ErrUnknownAsset)
	}
	data, err := afero.ReadFile(s.fs, location)
	if err != nil {
		s.metrics.AssetError("read")
		return nil, apperr.New(apperr.KindStorage, op, "failed to read stored upload", err)
	}
	return data, nil
}

// Release deletes the asset's storage. It is safe to call more than once; only the
// first call touches the filesystem.
func (s *Store) Release(asset *Asset) error {
	const op = "storage.release"
	if asset == nil {
		return apperr.New(apperr.KindStorage, op, "nil asset", ErrUnknownAsset)
	}
	if !asset.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}

	location, ok := s.lookup(asset.Key)
	if !ok {
		return apperr.New(apperr.KindStorage, op, "asset was not issued by this store", ErrUnknownAsset)
	}
	s.forget(asset.Key)

	if err := s.removeWithRetry(location); err != nil {
		s.metrics.AssetReleaseFailed()
		s.logger.Error("failed to release temporary asset", zap.String("key", asset.Key), zap.Error(err))
		return apperr.New(apperr.KindStorage, op, "failed to release stored upload", err)
	}
	s.metrics.AssetReleased()
	return nil
}

// WithAsset acquires an asset, runs fn and releases the asset on every exit path,
// including a panic in fn. An error from fn takes precedence over a release error.
func (s *Store) WithAsset(ctx context.Context, data []byte, declaredName string, fn func(*Asset) error) (err error) {
	asset, err := s.Acquire(ctx, data, declaredName)
	if err != nil {
		return err
	}
	defer func() {
		recovered := recover()
		releaseErr := s.Release(asset)
		if recovered != nil {
			panic(recovered)
		}
		if releaseErr != nil {
			if err == nil {
				err = releaseErr
			} else {
				err = errors.Join(err, releaseErr)
			}
		}
	}()
	return fn(asset)
}

// Live returns the number of assets acquired and not yet released.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Sweep removes files under the root that no live asset owns and that were last
// modified before olderThan ago. It returns the number of files removed.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", s.root, err)
	}
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	owned := make(map[string]struct{}, len(s.live))
	for key := range s.live {
		owned[key] = struct{}{}
	}
	s.mu.Unlock()

	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := owned[entry.Name()]; ok {
			continue
		}
		if entry.ModTime().After(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.root, entry.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept orphaned temporary assets", zap.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}

func (s *Store) lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	location, ok := s.live[key]
	return location, ok
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	delete(s.live, key)
	s.mu.Unlock()
}

// removeWithRetry deletes location, retrying once on failure. A missing file counts as removed.
func (s *Store) removeWithRetry(location string) error {
	err := s.fs.Remove(location)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	s.logger.Warn("retrying temporary asset removal", zap.String("location", location), zap.Error(err))
	err = s.fs.Remove(location)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}
