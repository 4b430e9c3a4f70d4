package hymolkm

import (
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Defaults for a rooted Android device.
const (
	DefaultLegacyPath = DefaultStateDir + "/hymofs_lkm.ko"
	DefaultRmmodPath  = "/system/bin/rmmod"

	defaultReleasePath   = "/proc/sys/kernel/osrelease"
	defaultDrainDelay    = 100 * time.Millisecond
	defaultUnloadRetries = 5
	defaultRetryDelay    = 120 * time.Millisecond
)

// DefaultAssetsDir is where [DirAssetStore] looks for module images by default.
var DefaultAssetsDir = filepath.Join(DefaultStateDir, "lkm")

// Manager loads, verifies and unloads the HymoFS LKM.
//
// A Manager holds no lock: load and unload rely on the kernel's own
// atomicity against concurrent actors. Load and Unload block the calling
// goroutine for the drain delay and retry backoff.
type Manager struct {
	fs          afero.Fs
	stateDir    string
	store       *Store
	assets      AssetStore
	control     ControlChannel
	kernel      Kernel
	kernelErr   error
	arch        Arch
	legacyPath  string
	releasePath string
	uname       func() (string, error)
	logger      *zap.Logger

	drainDelay    time.Duration
	unloadRetries int
	retryDelay    time.Duration
	sleep         func(time.Duration)

	rmmodPath string
	run       func(name string, args ...string) error
}

// Option configures a [Manager].
type Option func(*Manager)

// WithFs sets the filesystem used for state, images and procfs reads.
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}

// WithStateDir sets the base state directory.
func WithStateDir(dir string) Option {
	return func(m *Manager) {
		m.stateDir = dir
	}
}

// WithLegacyPath sets the fixed on-disk image tried when no asset matches.
// An empty path disables the legacy fallback.
func WithLegacyPath(path string) Option {
	return func(m *Manager) {
		m.legacyPath = path
	}
}

// WithAssets sets the asset store supplying module images.
func WithAssets(a AssetStore) Option {
	return func(m *Manager) {
		m.assets = a
	}
}

// WithControl sets the control channel facade.
func WithControl(c ControlChannel) Option {
	return func(m *Manager) {
		m.control = c
	}
}

// WithKernel sets the syscall boundary. Primarily for testing.
func WithKernel(k Kernel) Option {
	return func(m *Manager) {
		m.kernel = k
	}
}

// WithArch selects which architecture's image is requested from the asset
// store. It does not change the syscall ABI, which is always the host's.
func WithArch(a Arch) Option {
	return func(m *Manager) {
		m.arch = a
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithReleaseSources overrides where the kernel release is read from.
// uname may be nil to disable the fallback.
func WithReleaseSources(path string, uname func() (string, error)) Option {
	return func(m *Manager) {
		m.releasePath = path
		m.uname = uname
	}
}

// WithDrainDelay sets the pause between draining the control channel and
// the first unload attempt.
func WithDrainDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.drainDelay = d
	}
}

// WithUnloadRetry sets the number of delete_module attempts and the
// constant delay between them.
func WithUnloadRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		m.unloadRetries = attempts
		m.retryDelay = delay
	}
}

// WithRmmodPath sets the external unload helper used once delete_module
// is exhausted. An empty path disables the fallback.
func WithRmmodPath(path string) Option {
	return func(m *Manager) {
		m.rmmodPath = path
	}
}

// New returns a Manager configured by opts.
func New(opts ...Option) *Manager {
	m := &Manager{
		fs:            afero.NewOsFs(),
		stateDir:      DefaultStateDir,
		arch:          HostArch,
		legacyPath:    DefaultLegacyPath,
		releasePath:   defaultReleasePath,
		uname:         unameRelease,
		logger:        zap.NewNop(),
		drainDelay:    defaultDrainDelay,
		unloadRetries: defaultUnloadRetries,
		retryDelay:    defaultRetryDelay,
		sleep:         time.Sleep,
		rmmodPath:     DefaultRmmodPath,
		run:           runCommand,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.store = NewStore(m.fs, m.stateDir)
	if m.assets == nil {
		m.assets = NewDirAssetStore(m.fs, filepath.Join(m.stateDir, "lkm"))
	}
	if m.control == nil {
		m.control = NewModuleChannel(m.fs)
	}
	if m.kernel == nil {
		m.kernel, m.kernelErr = NewKernel(HostArch)
	}
	return m
}

// Store returns the persisted configuration.
func (m *Manager) Store() *Store {
	return m.store
}

// Arch returns the architecture images are requested for.
func (m *Manager) Arch() Arch {
	return m.arch
}

// IsLoaded reports whether the module is loaded, as seen by the control channel.
func (m *Manager) IsLoaded() bool {
	return m.control.Available()
}

// Autoload loads the module at boot if the autoload flag allows it.
// Failures are logged and recorded, never returned: boot must go on.
func (m *Manager) Autoload() {
	if !m.store.Autoload() {
		m.logger.Info("autoload disabled, skipping module load")
		return
	}
	if m.IsLoaded() {
		m.logger.Debug("module already loaded at boot")
		m.Record(nil)
		return
	}
	err := m.Load()
	m.Record(err)
	if err != nil {
		m.logger.Error("autoload failed", zap.Error(err))
		return
	}
	m.logger.Info("module autoloaded")
}

// Record persists the outcome of a load or unload so later invocations can
// report it: a nil err clears the last error.
func (m *Manager) Record(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if serr := m.store.SetLastError(msg); serr != nil {
		m.logger.Warn("persist last error", zap.Error(serr))
	}
}
