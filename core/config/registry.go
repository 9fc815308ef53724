// Package config builds the immutable configuration registry every DTX
// component reads from. A registry is created once from a set of typed key
// descriptors and a key/value map, validated as a whole, and passed
// explicitly to the components that need it.
package config

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sushant-115/gojodtx/core/dtxerr"
)

// Kind is the value type of a configuration key.
type Kind int

const (
	KindDuration Kind = iota
	KindInt
	KindString
	KindBool
	KindStrings
)

func (k Kind) String() string {
	switch k {
	case KindDuration:
		return "duration"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindStrings:
		return "strings"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Key describes one configuration option. Min and Max bound durations (in
// nanoseconds) and ints; both zero means unbounded. Default may compute its
// value from the build time, e.g. the time left until midnight.
type Key struct {
	Name     string
	Kind     Kind
	Min, Max int64
	Required bool
	Enum     []string
	Default  func(now time.Time) any
	Usage    string
}

func (k Key) bounded() bool { return k.Min != 0 || k.Max != 0 }

// Check is a cross-key validation run after every key parsed cleanly.
type Check func(r *Registry, verr *dtxerr.ConfigValidationError)

// Registry is an immutable set of validated values.
type Registry struct {
	builtAt time.Time
	keys    map[string]Key
	values  map[string]any
}

// Build validates values against keys. Every problem is collected into a
// single *dtxerr.ConfigValidationError.
func Build(keys []Key, values map[string]any, now time.Time, checks ...Check) (*Registry, error) {
	verr := &dtxerr.ConfigValidationError{}
	r := &Registry{
		builtAt: now,
		keys:    make(map[string]Key, len(keys)),
		values:  make(map[string]any, len(keys)),
	}
	for _, k := range keys {
		if _, dup := r.keys[k.Name]; dup {
			verr.Add(fmt.Sprintf("key %q declared twice", k.Name))
			continue
		}
		r.keys[k.Name] = k
	}
	for name := range values {
		if _, ok := r.keys[name]; !ok {
			verr.Add(fmt.Sprintf("unknown key %q", name))
		}
	}
	for _, k := range keys {
		raw, present := values[k.Name]
		if !present || isEmpty(raw) {
			if k.Required {
				verr.Add(fmt.Sprintf("%s is required", k.Name))
				continue
			}
			if k.Default == nil {
				r.values[k.Name] = zeroOf(k.Kind)
				continue
			}
			raw = k.Default(now)
		}
		v, err := parse(k, raw)
		if err != nil {
			verr.Add(fmt.Sprintf("%s: %v", k.Name, err))
			continue
		}
		if msg := k.validate(v); msg != "" {
			verr.Add(fmt.Sprintf("%s: %s", k.Name, msg))
			continue
		}
		r.values[k.Name] = v
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	for _, c := range checks {
		c(r, verr)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return r, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func zeroOf(k Kind) any {
	switch k {
	case KindDuration:
		return time.Duration(0)
	case KindInt:
		return int64(0)
	case KindString:
		return ""
	case KindBool:
		return false
	default:
		return []string(nil)
	}
}

func (k Key) validate(v any) string {
	switch k.Kind {
	case KindDuration:
		d := int64(v.(time.Duration))
		if k.bounded() && (d < k.Min || d > k.Max) {
			return fmt.Sprintf("%s outside [%s, %s]", time.Duration(d), time.Duration(k.Min), time.Duration(k.Max))
		}
	case KindInt:
		n := v.(int64)
		if k.bounded() && (n < k.Min || n > k.Max) {
			return fmt.Sprintf("%d outside [%d, %d]", n, k.Min, k.Max)
		}
	case KindString:
		if len(k.Enum) > 0 {
			s := v.(string)
			for _, e := range k.Enum {
				if s == e {
					return ""
				}
			}
			return fmt.Sprintf("%q is not one of %s", s, strings.Join(k.Enum, ", "))
		}
	}
	return ""
}

func parse(k Key, raw any) (any, error) {
	switch k.Kind {
	case KindDuration:
		return parseDuration(raw)
	case KindInt:
		return parseInt(raw)
	case KindString:
		switch t := raw.(type) {
		case string:
			return strings.TrimSpace(t), nil
		case fmt.Stringer:
			return t.String(), nil
		}
		return nil, fmt.Errorf("expected string, got %T", raw)
	case KindBool:
		switch t := raw.(type) {
		case bool:
			return t, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(t))
		}
		return nil, fmt.Errorf("expected bool, got %T", raw)
	case KindStrings:
		return parseStrings(raw)
	}
	return nil, fmt.Errorf("unsupported kind %s", k.Kind)
}

// parseDuration accepts time.Duration, Go duration strings with an extra
// "d" (day) unit, and integers meaning nanoseconds.
func parseDuration(raw any) (time.Duration, error) {
	switch t := raw.(type) {
	case time.Duration:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if days, ok := strings.CutSuffix(s, "d"); ok {
			n, err := strconv.ParseFloat(days, 64)
			if err != nil {
				return 0, fmt.Errorf("bad duration %q", t)
			}
			return time.Duration(n * float64(24*time.Hour)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("bad duration %q", t)
		}
		return d, nil
	}
	n, err := parseInt(raw)
	if err != nil {
		return 0, fmt.Errorf("expected duration, got %T", raw)
	}
	return time.Duration(n), nil
}

func parseInt(raw any) (int64, error) {
	switch t := raw.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows", t)
		}
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("value %v is not an integer", t)
		}
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad integer %q", t)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func parseStrings(raw any) ([]string, error) {
	var out []string
	switch t := raw.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list element, got %T", v)
			}
			out = append(out, s)
		}
	case string:
		out = strings.Split(t, ",")
	default:
		return nil, fmt.Errorf("expected string list, got %T", raw)
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned, nil
}

// BuiltAt is the time passed to Build; computed defaults are relative to it.
func (r *Registry) BuiltAt() time.Time { return r.builtAt }

// The accessors below panic when name was not declared with the matching
// kind. That is a programming error, not a configuration error.

func (r *Registry) Duration(name string) time.Duration { return lookup[time.Duration](r, name, KindDuration) }
func (r *Registry) Int(name string) int64              { return lookup[int64](r, name, KindInt) }
func (r *Registry) String(name string) string          { return lookup[string](r, name, KindString) }
func (r *Registry) Bool(name string) bool              { return lookup[bool](r, name, KindBool) }

func (r *Registry) Strings(name string) []string {
	return append([]string(nil), lookup[[]string](r, name, KindStrings)...)
}

func lookup[T any](r *Registry, name string, kind Kind) T {
	k, ok := r.keys[name]
	if !ok || k.Kind != kind {
		panic(fmt.Sprintf("config: %q is not a declared %s key", name, kind))
	}
	return r.values[name].(T)
}

// Values returns a copy of every resolved value keyed by name.
func (r *Registry) Values() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Names lists declared keys in lexical order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
