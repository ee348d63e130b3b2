// Package session holds the typed session parameters shared by the
// calibration, playback and trial components.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mooretm/yes-no/internal/fault"
)

// Type is the declared value type of a parameter.
type Type string

const (
	String Type = "str"
	Int    Type = "int"
	Float  Type = "float"
	Bool   Type = "bool"
)

// Params is the session parameter set. Field names follow the persisted
// keys.
type Params struct {
	Subject     string `yaml:"subject"`
	Condition   string `yaml:"condition"`
	Randomize   int    `yaml:"randomize"`
	Repetitions int    `yaml:"repetitions"`

	AudioFilesDir  string `yaml:"audio_files_dir"`
	MatrixFilePath string `yaml:"matrix_file_path"`

	AudioDevice    int    `yaml:"audio_device"`
	ChannelRouting string `yaml:"channel_routing"`

	CalFile    string  `yaml:"cal_file"`
	CalLevelDB float64 `yaml:"cal_level_dB"`
	SLMReading float64 `yaml:"slm_reading"`
	SLMOffset  float64 `yaml:"slm_offset"`

	AdjustedLevelDB float64 `yaml:"adjusted_level_dB"`
	DesiredLevelDB  float64 `yaml:"desired_level_dB"`
}

// BuiltinCalFile selects the generated calibration tone instead of a file.
const BuiltinCalFile = "cal_stim.wav"

// Defaults returns the parameter set used before any session file exists.
func Defaults() *Params {
	return &Params{
		Subject:         "999",
		Condition:       "TEST",
		Randomize:       0,
		Repetitions:     1,
		AudioFilesDir:   "",
		MatrixFilePath:  "",
		AudioDevice:     999,
		ChannelRouting:  "1",
		CalFile:         BuiltinCalFile,
		CalLevelDB:      -30.0,
		SLMReading:      70.0,
		SLMOffset:       100.0,
		AdjustedLevelDB: -25.0,
		DesiredLevelDB:  75.0,
	}
}

// DefaultPath returns <home>/<appName>/session.yaml.
func DefaultPath(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, appName, "session.yaml"), nil
}

// Load reads parameters from path. A missing file yields Defaults. Keys
// absent from the file keep their defaults, unknown keys are ignored and a
// value of the wrong type is a configuration error.
func Load(path string) (*Params, error) {
	p, _, err := LoadDefaulted(path)
	return p, err
}

// LoadDefaulted is Load that also reports, in schema order, the keys the
// file did not provide.
func LoadDefaulted(path string) (*Params, []string, error) {
	p := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, Keys(), nil
		}
		return nil, nil, fault.E(fault.Config, "session.load", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fault.Errorf(fault.Config, "session.load", "parse %s: %w", path, err)
	}
	var defaulted []string
	for _, f := range schema {
		if _, ok := raw[f.key]; !ok {
			defaulted = append(defaulted, f.key)
		}
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		f, ok := schemaByKey[key]
		if !ok {
			continue
		}
		value := raw[key]
		// YAML writes 75.0 as 75; widen whole numbers for float fields.
		if n, isInt := value.(int); isInt && f.typ == Float {
			value = float64(n)
		}
		if err := p.Set(key, value); err != nil {
			return nil, nil, err
		}
	}
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	return p, defaulted, nil
}

// Save writes the parameters to path, creating the directory if needed.
func (p *Params) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fault.E(fault.Persistence, "session.save", err)
		}
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fault.E(fault.Persistence, "session.save", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.E(fault.Persistence, "session.save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fault.E(fault.Persistence, "session.save", err)
	}
	return nil
}

// Validate checks value ranges the pipeline relies on.
func (p *Params) Validate() error {
	if p.Repetitions < 1 {
		return fault.Errorf(fault.Config, "session.validate", "repetitions must be >= 1, got %d", p.Repetitions)
	}
	if p.Randomize != 0 && p.Randomize != 1 {
		return fault.Errorf(fault.Config, "session.validate", "randomize must be 0 or 1, got %d", p.Randomize)
	}
	return nil
}

// Clone returns an independent copy.
func (p *Params) Clone() *Params {
	c := *p
	return &c
}

// Shuffle reports whether trials are randomized.
func (p *Params) Shuffle() bool { return p.Randomize == 1 }
