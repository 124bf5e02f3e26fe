// Package config loads the hsxd daemon's TOML configuration, following the
// teacher pack's decoder-settings idiom: struct fields map to TOML keys
// verbatim and unknown keys are a hard error rather than silently ignored.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"
)

// tomlSettings pins NormFieldName/FieldToKey to the identity function so
// TOML keys match Go struct field names exactly, and rejects unrecognized
// fields instead of ignoring typos in an operator's config file.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Arena sizes the shared memory region and per-task bookkeeping. Field
// names and defaults mirror spec.md §5's resource ceilings.
type Arena struct {
	SizeBytes      uint32
	MaxTasks       int
	StackBytes     uint32
	DefaultTimerMs uint32
}

// Mailbox bounds namespace and per-mailbox capacity.
type Mailbox struct {
	MaxMailboxes     int
	DefaultCapacity  uint32
	MaxQualifiedName int
}

// Registry bounds the Value/Command registry and its persistence backend.
type Registry struct {
	MaxValues     int
	MaxCommands   int
	StringTableSz int
	// PersistPath selects a LevelDB directory; empty means in-memory only.
	PersistPath string
}

// Session bounds the Control/Event Streamer's per-subscription queues.
type Session struct {
	QueueDepth    int
	KeepaliveMs   int64
}

// Control is the debugger TCP endpoint.
type Control struct {
	ListenAddr string
}

// Log configures the console logger.
type Log struct {
	Level string
}

// Config is the top-level hsxd configuration document.
type Config struct {
	Arena    Arena
	Mailbox  Mailbox
	Registry Registry
	Session  Session
	Control  Control
	Log      Log
}

// Defaults returns a Config populated with spec.md §5's resource ceilings.
func Defaults() Config {
	return Config{
		Arena: Arena{
			SizeBytes:      1 << 20,
			MaxTasks:       16,
			StackBytes:     1536,
			DefaultTimerMs: 100,
		},
		Mailbox: Mailbox{
			MaxMailboxes:     64,
			DefaultCapacity:  64,
			MaxQualifiedName: 32,
		},
		Registry: Registry{
			MaxValues:     256,
			MaxCommands:   256,
			StringTableSz: 4096,
		},
		Session: Session{
			QueueDepth:  64,
			KeepaliveMs: 30000,
		},
		Control: Control{
			ListenAddr: "127.0.0.1:7654",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads and decodes a TOML file at path into cfg, which should start
// from Defaults() so unset sections keep their defaults.
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		return fmt.Errorf("%s, %w", path, err)
	}
	return err
}
