package session

import (
	"fmt"

	"github.com/mooretm/yes-no/internal/fault"
)

type field struct {
	key string
	typ Type
	get func(*Params) any
	set func(*Params, any)
}

var schema = []field{
	{"subject", String, func(p *Params) any { return p.Subject }, func(p *Params, v any) { p.Subject = v.(string) }},
	{"condition", String, func(p *Params) any { return p.Condition }, func(p *Params, v any) { p.Condition = v.(string) }},
	{"randomize", Int, func(p *Params) any { return p.Randomize }, func(p *Params, v any) { p.Randomize = v.(int) }},
	{"repetitions", Int, func(p *Params) any { return p.Repetitions }, func(p *Params, v any) { p.Repetitions = v.(int) }},
	{"audio_files_dir", String, func(p *Params) any { return p.AudioFilesDir }, func(p *Params, v any) { p.AudioFilesDir = v.(string) }},
	{"matrix_file_path", String, func(p *Params) any { return p.MatrixFilePath }, func(p *Params, v any) { p.MatrixFilePath = v.(string) }},
	{"audio_device", Int, func(p *Params) any { return p.AudioDevice }, func(p *Params, v any) { p.AudioDevice = v.(int) }},
	{"channel_routing", String, func(p *Params) any { return p.ChannelRouting }, func(p *Params, v any) { p.ChannelRouting = v.(string) }},
	{"cal_file", String, func(p *Params) any { return p.CalFile }, func(p *Params, v any) { p.CalFile = v.(string) }},
	{"cal_level_dB", Float, func(p *Params) any { return p.CalLevelDB }, func(p *Params, v any) { p.CalLevelDB = v.(float64) }},
	{"slm_reading", Float, func(p *Params) any { return p.SLMReading }, func(p *Params, v any) { p.SLMReading = v.(float64) }},
	{"slm_offset", Float, func(p *Params) any { return p.SLMOffset }, func(p *Params, v any) { p.SLMOffset = v.(float64) }},
	{"adjusted_level_dB", Float, func(p *Params) any { return p.AdjustedLevelDB }, func(p *Params, v any) { p.AdjustedLevelDB = v.(float64) }},
	{"desired_level_dB", Float, func(p *Params) any { return p.DesiredLevelDB }, func(p *Params, v any) { p.DesiredLevelDB = v.(float64) }},
}

var schemaByKey = func() map[string]field {
	m := make(map[string]field, len(schema))
	for _, f := range schema {
		m[f.key] = f
	}
	return m
}()

// Keys lists every parameter key in schema order.
func Keys() []string {
	keys := make([]string, len(schema))
	for i, f := range schema {
		keys[i] = f.key
	}
	return keys
}

// TypeOf returns the declared type of key.
func TypeOf(key string) (Type, bool) {
	f, ok := schemaByKey[key]
	return f.typ, ok
}

// Get returns the value stored under key.
func (p *Params) Get(key string) (any, error) {
	f, ok := schemaByKey[key]
	if !ok {
		return nil, fault.Errorf(fault.Config, "session.get", "unknown parameter %q", key)
	}
	return f.get(p), nil
}

// Set stores value under key. The dynamic type must match the declared one.
func (p *Params) Set(key string, value any) error {
	f, ok := schemaByKey[key]
	if !ok {
		return fault.Errorf(fault.Config, "session.set", "unknown parameter %q", key)
	}
	if !f.typ.matches(value) {
		return fault.Errorf(fault.Config, "session.set", "parameter %q wants %s, got %T", key, f.typ, value)
	}
	f.set(p, value)
	return nil
}

func (t Type) matches(v any) bool {
	switch t {
	case String:
		_, ok := v.(string)
		return ok
	case Int:
		_, ok := v.(int)
		return ok
	case Float:
		_, ok := v.(float64)
		return ok
	case Bool:
		_, ok := v.(bool)
		return ok
	}
	return false
}

// Field is one key/value pair of a snapshot.
type Field struct {
	Key   string
	Value any
}

// SnapshotKeys are the parameters copied into every trial record, in
// record order.
var SnapshotKeys = []string{
	"subject", "condition", "randomize", "repetitions",
	"slm_reading", "cal_level_dB", "slm_offset",
	"desired_level_dB", "adjusted_level_dB",
}

// Snapshot captures the record parameters in SnapshotKeys order.
func (p *Params) Snapshot() []Field {
	out := make([]Field, 0, len(SnapshotKeys))
	for _, key := range SnapshotKeys {
		f := schemaByKey[key]
		out = append(out, Field{Key: key, Value: f.get(p)})
	}
	return out
}

// FormatValue renders a parameter value the way it is written to records.
func FormatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
