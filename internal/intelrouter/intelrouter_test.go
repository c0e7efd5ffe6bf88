package intelrouter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/localrouter/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	free    int64
	calls   int32
	failErr error
}

func (f *fakeDownloader) FreeDiskBytes() (int64, error) { return f.free, nil }

func (f *fakeDownloader) Download(ctx context.Context, modelID string, onProgress func(float64)) error {
	atomic.AddInt32(&f.calls, 1)
	if f.failErr != nil {
		return f.failErr
	}
	onProgress(0.5)
	onProgress(1.0)
	return nil
}

type fakeHandle struct {
	unloaded int32
}

func (h *fakeHandle) Predict(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	return &types.CompletionResponse{Model: req.Model}, nil
}

func (h *fakeHandle) Unload() error {
	atomic.AddInt32(&h.unloaded, 1)
	return nil
}

type fakeRuntime struct {
	loads  int32
	handle *fakeHandle
}

func (r *fakeRuntime) Load(ctx context.Context, modelID string) (Handle, error) {
	atomic.AddInt32(&r.loads, 1)
	return r.handle, nil
}

func TestPredict_DrivesLifecycleToRunning(t *testing.T) {
	dl := &fakeDownloader{free: 4 << 30}
	rt := &fakeRuntime{handle: &fakeHandle{}}
	m := New(dl, rt, nil)

	resp, err := m.Predict(context.Background(), "local-7b", &types.CompletionRequest{Model: "local-7b"})
	require.NoError(t, err)
	assert.Equal(t, "local-7b", resp.Model)
	assert.Equal(t, StateRunning, m.Status().State)
	assert.Equal(t, int32(1), rt.loads)
}

func TestPredict_FailsPreflightOnLowDiskSpace(t *testing.T) {
	dl := &fakeDownloader{free: 1 << 20}
	rt := &fakeRuntime{handle: &fakeHandle{}}
	m := New(dl, rt, nil)

	_, err := m.Predict(context.Background(), "local-7b", &types.CompletionRequest{Model: "local-7b"})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.GetErrorCode(err))
	assert.Equal(t, StateFailed, m.Status().State)
}

func TestEnsureRunning_SingleFlightsConcurrentInit(t *testing.T) {
	dl := &fakeDownloader{free: 4 << 30}
	rt := &fakeRuntime{handle: &fakeHandle{}}
	m := New(dl, rt, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Predict(context.Background(), "local-7b", &types.CompletionRequest{Model: "local-7b"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dl.calls)
	assert.Equal(t, int32(1), rt.loads)
}

func TestUnload_StopsIdleTimerAndReleasesHandle(t *testing.T) {
	dl := &fakeDownloader{free: 4 << 30}
	handle := &fakeHandle{}
	rt := &fakeRuntime{handle: handle}
	m := New(dl, rt, nil)

	_, err := m.Predict(context.Background(), "local-7b", &types.CompletionRequest{Model: "local-7b"})
	require.NoError(t, err)

	require.NoError(t, m.Unload())
	assert.Equal(t, StateUnloaded, m.Status().State)
	assert.Equal(t, int32(1), handle.unloaded)
}

func TestSetIdleTimeout_UnloadsAfterInactivity(t *testing.T) {
	dl := &fakeDownloader{free: 4 << 30}
	handle := &fakeHandle{}
	rt := &fakeRuntime{handle: handle}
	m := New(dl, rt, nil)
	m.SetIdleTimeout(20 * time.Millisecond)

	_, err := m.Predict(context.Background(), "local-7b", &types.CompletionRequest{Model: "local-7b"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.Status().State == StateUnloaded
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), handle.unloaded)
}

func TestPredict_SurfacesDownloadFailure(t *testing.T) {
	dl := &fakeDownloader{free: 4 << 30, failErr: errors.New("network unreachable")}
	rt := &fakeRuntime{handle: &fakeHandle{}}
	m := New(dl, rt, nil)

	_, err := m.Predict(context.Background(), "local-7b", &types.CompletionRequest{Model: "local-7b"})
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.Status().State)
}
