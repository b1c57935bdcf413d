// Package config loads the relay's YAML configuration and optionally
// watches it for changes with fsnotify, generalizing chisel's flag-driven
// Config/ProxyServerConfig structs (share/client.go, share/server.go) into a
// file-based configuration that can be hot-reloaded without restarting the
// relay, per SPEC_FULL.md's ambient-stack configuration section.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/socksrelay/pkg/model"
)

// Config is the relay's file-based configuration.
type Config struct {
	// Role is either "client" (runs the SOCKS5-facing TcpServer) or
	// "egress" (dials out on behalf of a peer).
	Role string `yaml:"role"`

	// Listen is the client role's SOCKS5 listen address.
	Listen model.Endpoint `yaml:"listen"`

	// MaxConnections bounds concurrent client connections (client role only).
	MaxConnections int `yaml:"max_connections"`

	// PeerURL is the websocket URL the client role dials to reach its peer.
	PeerURL string `yaml:"peer_url"`

	// ListenAddr is the egress role's websocket listen address.
	ListenAddr string `yaml:"listen_addr"`

	// Auth is "user:pass" credentials shared between client and egress.
	Auth string `yaml:"auth"`

	// LogLevel is one of the sammck-go/logger level names ("debug", "info",
	// "warning", "error", ...).
	LogLevel string `yaml:"log_level"`
}

// DefaultMaxConnections mirrors pkg/tcpserver.DefaultMaxConnections so that
// config.Load never has to import pkg/tcpserver just for its zero-value
// default.
const DefaultMaxConnections = 1048576

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return &c, nil
}

// Watcher reloads a Config from disk whenever the underlying file changes,
// and makes each successfully reloaded Config available through Current.
type Watcher struct {
	log  logger.Logger
	path string

	mu      sync.RWMutex
	current *Config

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher loads path once, then begins watching it for changes.
func NewWatcher(log logger.Logger, path string) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: failed to watch %s: %w", path, err)
	}

	w := &Watcher{
		log:     log.ForkLogf("config-watcher"),
		path:    path,
		current: initial,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) run() {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		abs = w.path
	}
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			eventAbs, err := filepath.Abs(event.Name)
			if err != nil {
				eventAbs = event.Name
			}
			if eventAbs != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WLogf("reload of %s failed, keeping previous config: %s", w.path, err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			w.log.ILogf("reloaded config from %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WLogf("config watcher error: %s", err)
		case <-w.done:
			return
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
