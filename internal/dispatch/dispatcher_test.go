package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/food-calorie/internal/apperr"
	"github.com/example/food-calorie/internal/auth"
	"github.com/example/food-calorie/internal/inference"
	"github.com/example/food-calorie/internal/repository"
	"github.com/example/food-calorie/internal/storage"
)

const (
	testRoot  = "/tmp/food-calorie"
	testLimit = 1024
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type backendFunc func(ctx context.Context, image []byte) (inference.Estimate, error)

func (f backendFunc) Name() string { return "test" }

func (f backendFunc) Predict(ctx context.Context, image []byte) (inference.Estimate, error) {
	return f(ctx, image)
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []*repository.EstimateLog
	err  error
}

func (a *recordingAudit) SaveLog(_ context.Context, log *repository.EstimateLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return a.err
}

// createFailFs refuses to create files.
type createFailFs struct {
	afero.Fs
}

func (f createFailFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 {
		return nil, errors.New("disk full")
	}
	return f.Fs.OpenFile(name, flag, perm)
}

// hangingConn blocks every call until the caller's deadline expires.
type hangingConn struct{}

func (hangingConn) Invoke(ctx context.Context, _ string, _, _ interface{}, _ ...grpc.CallOption) error {
	<-ctx.Done()
	return status.Error(codes.DeadlineExceeded, ctx.Err().Error())
}

func (hangingConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streams are not supported")
}

func identityFor(t *testing.T, userID string) auth.Identity {
	t.Helper()
	gate := auth.NewGate(auth.VerifierFunc(func(context.Context, string) (string, error) {
		return userID, nil
	}), zap.NewNop())
	identity, err := gate.Authenticate(context.Background(), "token")
	require.NoError(t, err)
	return identity
}

func newStore(t *testing.T, fs afero.Fs) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(fs, testRoot, zap.NewNop())
	require.NoError(t, err)
	return store
}

func storedFiles(t *testing.T, fs afero.Fs) int {
	t.Helper()
	entries, err := afero.ReadDir(fs, testRoot)
	require.NoError(t, err)
	return len(entries)
}

func upload(data []byte, name string) UploadRequest {
	return UploadRequest{Data: data, Filename: name, ContentLength: int64(len(data))}
}

func TestDispatchStubScenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newStore(t, fs)
	audit := &recordingAudit{}
	d := New(store, inference.NewStub(inference.DefaultStubCalories), testLimit, zap.NewNop(),
		WithAuditLog(audit), WithRequestIDFunc(func() string { return "req-1" }))

	result, err := d.Dispatch(context.Background(), identityFor(t, "user-1"), upload(pngHeader, "../../My Lunch.png"))
	require.NoError(t, err)

	assert.Equal(t, 250.0, result.Estimate.Calories())
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, "My_Lunch.png", result.Filename)
	assert.Equal(t, "req-1", result.RequestID)
	assert.NotContains(t, result.AssetKey, "Lunch")

	assert.Zero(t, store.Live())
	assert.Zero(t, storedFiles(t, fs))

	require.Len(t, audit.logs, 1)
	log := audit.logs[0]
	assert.Equal(t, "req-1", log.RequestID)
	assert.Equal(t, repository.OutcomeCompleted, log.Outcome)
	assert.Equal(t, 250.0, log.Calories)
	assert.Equal(t, "stub", log.Backend)
	assert.Len(t, log.SHA1Hash, 40)
}

func TestDispatchHoldsAssetOnlyDuringPrediction(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newStore(t, fs)
	var seenDuringPredict int
	backend := backendFunc(func(_ context.Context, image []byte) (inference.Estimate, error) {
		seenDuringPredict = store.Live()
		assert.Equal(t, pngHeader, image)
		return inference.NewStub(100).Predict(context.Background(), image)
	})

	_, err := New(store, backend, testLimit, zap.NewNop()).Dispatch(context.Background(), identityFor(t, "u"), upload(pngHeader, "a.png"))
	require.NoError(t, err)
	assert.Equal(t, 1, seenDuringPredict)
	assert.Zero(t, store.Live())
}

func TestDispatchReleasesOnBackendFailure(t *testing.T) {
	cases := map[string]struct {
		backend  inference.Backend
		wantKind apperr.Kind
	}{
		"inference error": {
			backend:  inference.NewStub(-5),
			wantKind: apperr.KindInference,
		},
		"untagged error": {
			backend: backendFunc(func(context.Context, []byte) (inference.Estimate, error) {
				return inference.Estimate{}, errors.New("model crashed")
			}),
			wantKind: apperr.KindInternal,
		},
		"panic": {
			backend: backendFunc(func(context.Context, []byte) (inference.Estimate, error) {
				panic("index out of range")
			}),
			wantKind: apperr.KindInternal,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			store := newStore(t, fs)
			audit := &recordingAudit{}
			d := New(store, tc.backend, testLimit, zap.NewNop(), WithAuditLog(audit))

			result, err := d.Dispatch(context.Background(), identityFor(t, "u"), upload(pngHeader, "a.png"))
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, tc.wantKind, apperr.KindOf(err))
			assert.Zero(t, store.Live())
			assert.Zero(t, storedFiles(t, fs))

			require.Len(t, audit.logs, 1)
			assert.Equal(t, repository.OutcomeFailed, audit.logs[0].Outcome)
			assert.Equal(t, string(tc.wantKind), audit.logs[0].ErrorKind)
		})
	}
}

func TestDispatchValidationHappensBeforeStorage(t *testing.T) {
	oversized := make([]byte, testLimit+1)
	cases := map[string]UploadRequest{
		"oversized payload":   upload(oversized, "big.png"),
		"oversized declared":  {Data: nil, Filename: "big.png", ContentLength: 50 << 20},
		"empty payload":       upload(nil, "a.png"),
		"length mismatch":     {Data: pngHeader, Filename: "a.png", ContentLength: 3},
		"missing filename":    upload(pngHeader, "  "),
		"not an allowed type": upload([]byte("plain text, not an image"), "a.png"),
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			store := newStore(t, fs)
			var calls atomic.Int32
			backend := backendFunc(func(context.Context, []byte) (inference.Estimate, error) {
				calls.Add(1)
				return inference.Estimate{}, nil
			})
			d := New(store, backend, testLimit, zap.NewNop(), WithAllowedTypes("image/"))

			_, err := d.Dispatch(context.Background(), identityFor(t, "u"), req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Zero(t, calls.Load())
			assert.Zero(t, storedFiles(t, fs))
		})
	}
}

func TestDispatchWithoutIdentityTouchesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newStore(t, fs)
	audit := &recordingAudit{}
	d := New(store, inference.NewStub(1), testLimit, zap.NewNop(), WithAuditLog(audit))

	_, err := d.Dispatch(context.Background(), auth.Identity{}, upload(pngHeader, "a.png"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	assert.Zero(t, storedFiles(t, fs))
	assert.Empty(t, audit.logs)
}

func TestDispatchStorageFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	store := newStore(t, createFailFs{Fs: base})
	var calls atomic.Int32
	backend := backendFunc(func(context.Context, []byte) (inference.Estimate, error) {
		calls.Add(1)
		return inference.Estimate{}, nil
	})

	_, err := New(store, backend, testLimit, zap.NewNop()).Dispatch(context.Background(), identityFor(t, "u"), upload(pngHeader, "a.png"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))
	assert.Zero(t, calls.Load())
	assert.Zero(t, store.Live())
}

func TestDispatchRemoteTimeoutReleasesAsset(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newStore(t, fs)
	remote := inference.NewRemote(hangingConn{}, 100*time.Millisecond, zap.NewNop())
	d := New(store, remote, testLimit, zap.NewNop())

	start := time.Now()
	_, err := d.Dispatch(context.Background(), identityFor(t, "u"), upload(pngHeader, "a.png"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, apperr.KindInference, apperr.KindOf(err))
	assert.True(t, apperr.IsTransient(err))
	reason, ok := inference.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, inference.ReasonTimeout, reason)
	assert.Zero(t, store.Live())
	assert.Zero(t, storedFiles(t, fs))
}

func TestDispatchAuditFailureDoesNotFailRequest(t *testing.T) {
	store := newStore(t, afero.NewMemMapFs())
	audit := &recordingAudit{err: errors.New("database is down")}
	d := New(store, inference.NewStub(inference.DefaultStubCalories), testLimit, zap.NewNop(), WithAuditLog(audit))

	result, err := d.Dispatch(context.Background(), identityFor(t, "u"), upload(pngHeader, "a.png"))
	require.NoError(t, err)
	assert.Equal(t, 250.0, result.Estimate.Calories())
}

func TestConcurrentDispatchesAreIsolated(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newStore(t, fs)
	d := New(store, inference.NewStub(inference.DefaultStubCalories), testLimit, zap.NewNop())
	identity := identityFor(t, "u")

	const n = 50
	keys := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := d.Dispatch(context.Background(), identity, upload(pngHeader, fmt.Sprintf("meal-%d.png", i)))
			if assert.NoError(t, err) {
				keys <- result.AssetKey
			}
		}(i)
	}
	wg.Wait()
	close(keys)

	seen := make(map[string]struct{})
	for key := range keys {
		_, dup := seen[key]
		assert.False(t, dup, "asset key reused: %s", key)
		seen[key] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Zero(t, store.Live())
	assert.Zero(t, storedFiles(t, fs))
}

func TestDispatchLogsStateTransitions(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	store := newStore(t, afero.NewMemMapFs())
	failing := backendFunc(func(context.Context, []byte) (inference.Estimate, error) {
		return inference.Estimate{}, apperr.New(apperr.KindInference, "inference.test", "inference failed", nil)
	})
	d := New(store, failing, testLimit, zap.New(core))

	_, err := d.Dispatch(context.Background(), identityFor(t, "u"), upload(pngHeader, "a.png"))
	require.Error(t, err)

	var states []string
	for _, entry := range logs.FilterMessage("upload state changed").All() {
		states = append(states, entry.ContextMap()["to"].(string))
	}
	assert.Equal(t, []string{"validated", "stored", "released"}, states)

	failed := logs.FilterMessage("upload failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "released", failed[0].ContextMap()["from"])
	assert.Equal(t, "inference_error", failed[0].ContextMap()["kind"])
}
