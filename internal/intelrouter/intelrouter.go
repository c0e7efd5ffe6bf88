// Package intelrouter implements I: the lifecycle manager for a locally
// hosted model consulted by the strategy engine when a strategy's allowed
// models are left to Auto resolution. It owns the download/initialise/serve
// state machine for exactly one local model at a time — never the model
// handle itself, which stays behind this package's boundary.
package intelrouter

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State enumerates the local model's lifecycle.
type State string

const (
	StateNotDownloaded State = "not_downloaded"
	StateDownloading   State = "downloading"
	StateDownloaded    State = "downloaded"
	StateInitialising  State = "initialising"
	StateRunning       State = "running"
	StateUnloaded      State = "unloaded"
	StateFailed        State = "failed"
)

const minFreeDiskBytes = 2 << 30 // 2GB preflight requirement before a download starts

// maxClassifierPromptChars bounds what reaches the classifier to roughly the
// tail of the prompt, matching its limited context window.
const maxClassifierPromptChars = 4000

// Classifier scores a prompt's likelihood of needing the strong model pool.
// It is the small (roughly 100-500M parameter) sibling of the full Runtime:
// a win-rate predictor, not a completion model.
type Classifier interface {
	ClassifyWinRate(ctx context.Context, prompt string) (float64, error)
}

// Downloader fetches the model's weights to local disk, reporting progress
// via onProgress (0.0–1.0). Implementations are provided by the embedder;
// this package only orchestrates the state machine around the call.
type Downloader interface {
	Download(ctx context.Context, modelID string, onProgress func(float64)) error
	FreeDiskBytes() (int64, error)
}

// Runtime loads a downloaded model into memory and serves predictions.
// Implementations are provided by the embedder (e.g. an in-process
// llama.cpp binding); this package never holds the handle Runtime.Load
// returns — it only calls through the interface.
type Runtime interface {
	Load(ctx context.Context, modelID string) (Handle, error)
}

// Handle is an opaque loaded-model reference this package forwards calls
// through without ever inspecting or exposing directly.
type Handle interface {
	Predict(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)
	Unload() error
}

// Status is the externally observable snapshot of the manager's state.
type Status struct {
	ModelID         string
	State           State
	DownloadPercent float64
	LastError       string
	IdleTimeout     time.Duration
	LastActivity    time.Time
}

// Manager drives the lifecycle for a single local model.
type Manager struct {
	mu    sync.Mutex
	group singleflight.Group

	downloader Downloader
	runtime    Runtime
	classifier Classifier

	modelID      string
	state        State
	downloadPct  float64
	lastErr      string
	handle       Handle
	idleTimeout  time.Duration
	lastActivity time.Time
	idleTimer    *time.Timer

	logger *zap.Logger
}

func New(downloader Downloader, runtime Runtime, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		downloader:  downloader,
		runtime:     runtime,
		state:       StateNotDownloaded,
		idleTimeout: 10 * time.Minute,
		logger:      logger.With(zap.String("component", "intelrouter")),
	}
}

// SetIdleTimeout adjusts how long the model stays Running with no Predict
// calls before it is unloaded. Takes effect on the next activity.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
}

// SetClassifier wires c so PredictWinRate has a model to consult. Safe to
// call once after construction, before concurrent use starts.
func (m *Manager) SetClassifier(c Classifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifier = c
}

// PredictWinRate truncates prompt to its last maxClassifierPromptChars
// characters and returns the classifier's strong-model win rate, clamped to
// [0, 1]. Returns an error when no classifier is wired, so the caller can
// treat an unreachable router as an open circuit rather than blocking
// dispatch on it.
func (m *Manager) PredictWinRate(ctx context.Context, prompt string) (float64, error) {
	m.mu.Lock()
	c := m.classifier
	m.mu.Unlock()
	if c == nil {
		return 0, types.NewError(types.ErrInternal, "no classifier configured for intelligent router")
	}

	if len(prompt) > maxClassifierPromptChars {
		prompt = prompt[len(prompt)-maxClassifierPromptChars:]
	}
	rate, err := c.ClassifyWinRate(ctx, prompt)
	if err != nil {
		return 0, err
	}
	if rate < 0 {
		rate = 0
	} else if rate > 1 {
		rate = 1
	}
	return rate, nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		ModelID: m.modelID, State: m.state, DownloadPercent: m.downloadPct,
		LastError: m.lastErr, IdleTimeout: m.idleTimeout, LastActivity: m.lastActivity,
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// ensureRunning drives NotDownloaded/Downloaded/Unloaded through to Running,
// single-flighted so concurrent Predict calls share one init rather than
// racing to download or load the same model twice.
func (m *Manager) ensureRunning(ctx context.Context, modelID string) (Handle, error) {
	m.mu.Lock()
	if m.state == StateRunning && m.modelID == modelID && m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(modelID, func() (interface{}, error) {
		return m.initialise(ctx, modelID)
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

func (m *Manager) initialise(ctx context.Context, modelID string) (Handle, error) {
	m.mu.Lock()
	m.modelID = modelID
	m.mu.Unlock()

	if free, err := m.downloader.FreeDiskBytes(); err != nil {
		m.fail(err)
		return nil, types.NewError(types.ErrInternal, "disk space check failed").WithCause(err)
	} else if free < minFreeDiskBytes {
		err := types.NewError(types.ErrConfig, "insufficient disk space for local model download")
		m.fail(err)
		return nil, err
	}

	m.setState(StateDownloading)
	if err := m.downloader.Download(ctx, modelID, func(pct float64) {
		m.mu.Lock()
		m.downloadPct = pct
		m.mu.Unlock()
	}); err != nil {
		wrapped := types.NewError(types.ErrInternal, "model download failed").WithCause(err)
		m.fail(wrapped)
		return nil, wrapped
	}
	m.setState(StateDownloaded)

	m.setState(StateInitialising)
	handle, err := m.runtime.Load(ctx, modelID)
	if err != nil {
		wrapped := types.NewError(types.ErrInternal, "model load failed").WithCause(err)
		m.fail(wrapped)
		return nil, wrapped
	}

	m.mu.Lock()
	m.handle = handle
	m.state = StateRunning
	m.lastActivity = time.Now()
	m.resetIdleTimerLocked()
	m.mu.Unlock()
	return handle, nil
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = StateFailed
	m.lastErr = err.Error()
	m.mu.Unlock()
}

// resetIdleTimerLocked must be called with m.mu held.
func (m *Manager) resetIdleTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.idleTimeout, m.unloadOnIdle)
}

func (m *Manager) unloadOnIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning || m.handle == nil {
		return
	}
	if time.Since(m.lastActivity) < m.idleTimeout {
		m.idleTimer = time.AfterFunc(m.idleTimeout-time.Since(m.lastActivity), m.unloadOnIdle)
		return
	}
	_ = m.handle.Unload()
	m.handle = nil
	m.state = StateUnloaded
	m.logger.Info("local model unloaded after idle timeout", zap.String("model", m.modelID))
}

// Predict ensures the model is running and dispatches req to it, resetting
// the idle timer on every call.
func (m *Manager) Predict(ctx context.Context, modelID string, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	handle, err := m.ensureRunning(ctx, modelID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.lastActivity = time.Now()
	m.resetIdleTimerLocked()
	m.mu.Unlock()

	return handle.Predict(ctx, req)
}

// Unload forces the model out of memory regardless of idle state.
func (m *Manager) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	err := m.handle.Unload()
	m.handle = nil
	m.state = StateUnloaded
	return err
}
