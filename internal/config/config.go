// Package config holds the dataplane's runtime tuning knobs. Config is
// loaded from YAML; a Watcher re-reads the file via fsnotify when it
// changes.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// CryptoFailurePolicy decides what happens to a packet whose crypto op
// completes with a non-success status.
type CryptoFailurePolicy string

const (
	// PolicyAbort makes a failed crypto op fatal for the process: a
	// failure implies a sizing or keying bug that should surface loudly.
	PolicyAbort CryptoFailurePolicy = "abort"
	// PolicyDrop resumes the packet with an error state instead of killing
	// the core.
	PolicyDrop CryptoFailurePolicy = "drop"
)

// HardwareConfig says whether AES-NI / ARMv8 AES counts as enabled in the
// reported hardware-acceleration status. It does not affect which cipher
// the real crypto device uses.
type HardwareConfig struct {
	EnableAESNI    bool `yaml:"enable_aes_ni"`
	EnableARMv8AES bool `yaml:"enable_armv8_aes"`
}

// CryptoConfig configures the crypto device and its batching behavior.
type CryptoConfig struct {
	// NodeMode selects which crypto backend a core runs: "real" talks to
	// an aesgcm.Device, "fake" emulates latency in-process.
	NodeMode string `yaml:"node_mode"`
	// BurstSize bounds how many ops are pulled from the pending queue, and
	// how many completions are drained, per batcher tick.
	BurstSize int `yaml:"burst_size"`
	// FakeSleepMultiplier scales the busy-wait cost of the fake crypto
	// node, in arbitrary spin units per byte.
	FakeSleepMultiplier int `yaml:"fake_sleep_multiplier"`
	// FailurePolicy controls what happens when a crypto op comes back
	// with a non-success status.
	FailurePolicy CryptoFailurePolicy `yaml:"failure_policy"`
	Hardware      HardwareConfig      `yaml:"hardware"`
}

// FiberConfig configures the packet-context pool.
type FiberConfig struct {
	// ContextPoolCapacity bounds how many packets may be suspended across
	// the crypto boundary at once, process-wide: every worker core draws
	// from the same pool. 0 means unbounded.
	ContextPoolCapacity int `yaml:"context_pool_capacity"`
	// ForceBlockingEveryN, when > 0, forces every Nth packet onto the
	// synchronous fallback path even when a fiber is available. Used to
	// exercise the blocking path in tests without starving the pool.
	ForceBlockingEveryN int `yaml:"force_blocking_every_n"`
}

// AsyncConfig toggles the suspension-based asynchronous pipeline on or
// off. Off means every packet takes the synchronous crypto path.
type AsyncConfig struct {
	Enabled bool `yaml:"enabled"`
	// QueueCapacity bounds the pending-op ring between worker cores and
	// the crypto node.
	QueueCapacity int `yaml:"queue_capacity"`
}

// Config is the full set of runtime knobs for one dataplane process.
type Config struct {
	Async  AsyncConfig  `yaml:"async"`
	Crypto CryptoConfig `yaml:"crypto"`
	Fiber  FiberConfig  `yaml:"fiber"`

	// FakeCryptoNodeCores is a glob pattern (e.g. "core-3", "core-*")
	// matched against a core's name to decide whether it should run the
	// fake crypto node loop instead of the ordinary packet-processing
	// loop. Empty means no core is a dedicated fake crypto node.
	FakeCryptoNodeCores string `yaml:"fake_crypto_node_cores"`

	LogLevel string `yaml:"log_level"`
}

// CoreRunsFakeCryptoNode reports whether coreName matches the configured
// fake-crypto-node pattern.
func (c *Config) CoreRunsFakeCryptoNode(coreName string) bool {
	if c.FakeCryptoNodeCores == "" {
		return false
	}
	return glob.Glob(c.FakeCryptoNodeCores, coreName)
}

// Default returns the baseline configuration: async mode on, burst size
// 32, abort-on-failure.
func Default() *Config {
	return &Config{
		Async: AsyncConfig{Enabled: true, QueueCapacity: 32768},
		Crypto: CryptoConfig{
			NodeMode:            "fake",
			BurstSize:           32,
			FakeSleepMultiplier: 1,
			FailurePolicy:       PolicyAbort,
		},
		Fiber:    FiberConfig{ContextPoolCapacity: 1023},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher reloads a Config from disk whenever the backing file changes;
// Get returns the latest successfully parsed snapshot. Components already
// built from an earlier snapshot (pools, workers, batchers) keep the
// values they were built with.
type Watcher struct {
	mu      sync.RWMutex
	cfg     *Config
	path    string
	watcher *fsnotify.Watcher
	log     *logrus.Logger
	done    chan struct{}
}

// NewWatcher loads path and starts watching it for changes.
func NewWatcher(path string, log *logrus.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w := &Watcher{cfg: cfg, path: path, watcher: fw, log: log, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce.Reset(50 * time.Millisecond)
		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				if w.log != nil {
					w.log.WithError(err).Warn("config: reload failed, keeping previous config")
				}
				continue
			}
			w.mu.Lock()
			w.cfg = cfg
			w.mu.Unlock()
			if w.log != nil {
				w.log.Info("config: reloaded")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.WithError(err).Warn("config: watcher error")
			}
		}
	}
}

// Get returns the current configuration snapshot.
func (w *Watcher) Get() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
