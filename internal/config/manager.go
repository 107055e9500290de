package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"

	logx "chanpost/pkg/logx"
)

// ValidateFunc vets a parsed config before a reload commits it.
type ValidateFunc func(ctx context.Context, cfg *Config) error

// ConfigManager holds the committed config and hands reloads to subscribers.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	sum      uint64
	log      logx.Logger
	validate ValidateFunc

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs the check reloads must pass. Load and Commit skip it.
func (m *ConfigManager) SetValidator(fn ValidateFunc) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// Parse reads and decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, data)
}

// Decode parses config bytes in the format named by the extension of name
// (.yaml, .yml, .toml, anything else is JSON). ${VAR} references are expanded
// first. Unknown fields are rejected.
func Decode(name string, data []byte) (*Config, error) {
	raw, format, err := coerceToJSONBytes(name, expandEnv(data))
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err == nil:
		return nil, fmt.Errorf("decode %s config: trailing data", format)
	default:
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	sum := checksum(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// checksum identifies a decoded config so repeated saves of the same content
// publish once.
func checksum(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel that receives each published config. A
// subscriber that falls behind sees only the newest ones.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: discard the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Reload re-reads the file and, when the content changed and passes
// validation, commits and publishes it.
func (m *ConfigManager) Reload(ctx context.Context) error {
	m.mu.RLock()
	log, validate, prev := m.log.With(logx.String("path", m.path)), m.validate, m.sum
	m.mu.RUnlock()

	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return err
	}
	sum := checksum(cfg)
	if sum != 0 && sum == prev {
		log.Debug("config unchanged")
		return nil
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return err
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Info("config reloaded", logx.String("sum", fmt.Sprintf("%016x", sum)))
	return nil
}
