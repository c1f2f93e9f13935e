// Package config loads ArchiveFS settings from embedded defaults and
// an optional YAML config file, in that order; CLI flags override both
// in the entrypoint.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	jsonparser "github.com/knadh/koanf/parsers/json"
)

// Config is the full setting surface of a mount session.
type Config struct {
	DebugMode     bool   `key:"debugMode" json:"debugMode"`
	PrettyLogs    bool   `key:"prettyLogs" json:"prettyLogs"`
	BufferLimitMb int64  `key:"bufferLimitMb" json:"bufferLimitMb"`
	KeepTrash     bool   `key:"keepTrash" json:"keepTrash"`
	KeepOriginal  bool   `key:"keepOriginal" json:"keepOriginal"`
	ReadOnly      bool   `key:"readOnly" json:"readOnly"`
	RespectRights bool   `key:"respectRights" json:"respectRights"`
	ScratchDir    string `key:"scratchDir" json:"scratchDir"`
	DriversPath   string `key:"driversPath" json:"driversPath"`
}

// DefaultBufferLimitMb is the in-memory buffer ceiling applied when
// neither the config file nor --buffer-limit says otherwise.
const DefaultBufferLimitMb = 100

// Manager layers configuration sources into a typed config value.
type Manager[T any] struct {
	k      *koanf.Koanf
	config T
}

// configFileNames are probed in order; the first hit wins.
func configFileNames() []string {
	names := []string{"archivefs.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		names = append(names, filepath.Join(home, ".archivefs.yaml"))
	}
	return names
}

// NewManager builds a Manager for T, loading embedded defaults first
// and an optional config file over them.
func NewManager[T any](defaults T) (*Manager[T], error) {
	k := koanf.New(".")

	raw, err := json.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	if err := k.Load(rawbytes.Provider(raw), jsonparser.Parser()); err != nil {
		return nil, err
	}

	for _, name := range configFileNames() {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := k.Load(file.Provider(name), yaml.Parser()); err != nil {
			return nil, err
		}
		break
	}

	m := &Manager[T]{k: k}
	if err := k.UnmarshalWithConf("", &m.config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	return m, nil
}

// GetConfig returns the resolved configuration.
func (m *Manager[T]) GetConfig() T {
	return m.config
}
