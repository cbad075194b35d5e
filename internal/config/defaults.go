// Package config holds default configuration constants and the recognised
// configuration-surface registry (spec §6) returned by the "list
// configuration entries" control-surface operation.
package config

// Default configuration constants, adapted from the teacher's session/
// telemetry defaults to the HTTP load-generation domain.
const (
	DefaultTimeoutMs          = 30000
	DefaultFollowRedirects    = true
	DefaultMaxRedirects       = 5
	DefaultStatsIntervalMs    = 100
	DefaultContextPoolSize    = 8
	DefaultMaxInFlight        = 256
	DefaultSampleReservoirSize = 10000
	DefaultChannelBufferSize  = 10000
	DefaultGracePeriodMs      = 5000
)

// EntryType names the primitive type of a configuration value.
type EntryType string

const (
	TypeInt   EntryType = "int"
	TypeBool  EntryType = "bool"
	TypeFloat EntryType = "float"
)

// Entry describes one recognised configuration key (spec §6).
type Entry struct {
	Key      string      `json:"key"`
	Value    interface{} `json:"value"`
	Type     EntryType   `json:"type"`
	Category string      `json:"category"`
	Default  interface{} `json:"default"`
	Min      interface{} `json:"min,omitempty"`
	Max      interface{} `json:"max,omitempty"`
}

// Registry holds the live configuration surface; it starts populated with
// defaults and can be mutated via Set.
type Registry struct {
	entries map[string]*Entry
	order   []string
}

// NewRegistry builds the default configuration-entry registry from spec §6's
// recognised-keys table.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]*Entry)}
	r.define(Entry{Key: "default_timeout_ms", Value: int64(DefaultTimeoutMs), Type: TypeInt, Category: "transport", Default: int64(DefaultTimeoutMs), Min: int64(1)})
	r.define(Entry{Key: "follow_redirects", Value: DefaultFollowRedirects, Type: TypeBool, Category: "transport", Default: DefaultFollowRedirects})
	r.define(Entry{Key: "max_redirects", Value: int64(DefaultMaxRedirects), Type: TypeInt, Category: "transport", Default: int64(DefaultMaxRedirects), Min: int64(0), Max: int64(20)})
	r.define(Entry{Key: "stats_interval_ms", Value: int64(DefaultStatsIntervalMs), Type: TypeInt, Category: "aggregator", Default: int64(DefaultStatsIntervalMs), Min: int64(10)})
	r.define(Entry{Key: "context_pool_size", Value: int64(DefaultContextPoolSize), Type: TypeInt, Category: "sandbox", Default: int64(DefaultContextPoolSize), Min: int64(1)})
	r.define(Entry{Key: "max_in_flight", Value: int64(DefaultMaxInFlight), Type: TypeInt, Category: "event_loop", Default: int64(DefaultMaxInFlight), Min: int64(1)})
	r.define(Entry{Key: "sample_reservoir_size", Value: int64(DefaultSampleReservoirSize), Type: TypeInt, Category: "sampling", Default: int64(DefaultSampleReservoirSize), Min: int64(1)})
	return r
}

func (r *Registry) define(e Entry) {
	entry := e
	r.entries[e.Key] = &entry
	r.order = append(r.order, e.Key)
}

// List returns the entries in declaration order.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, *r.entries[k])
	}
	return out
}

// Get returns the named entry and whether it exists.
func (r *Registry) Get(key string) (Entry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Set updates the live value of a recognised key. Returns false if the key
// is not recognised, out of the entry's declared range (Min and Max are each
// checked on their own, whenever that bound is set), or the wrong type for
// the entry.
func (r *Registry) Set(key string, value interface{}) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	switch e.Type {
	case TypeInt:
		iv, isInt := value.(int64)
		if !isInt {
			return false
		}
		if min, ok := e.Min.(int64); ok && iv < min {
			return false
		}
		if max, ok := e.Max.(int64); ok && iv > max {
			return false
		}
	case TypeBool:
		if _, isBool := value.(bool); !isBool {
			return false
		}
	case TypeFloat:
		if _, isFloat := value.(float64); !isFloat {
			return false
		}
	}
	e.Value = value
	return true
}

// IntValue returns the live int64 value of an int-typed key, or fallback if
// the key is unrecognised, not an int entry, or r is nil.
func (r *Registry) IntValue(key string, fallback int64) int64 {
	if r == nil {
		return fallback
	}
	e, ok := r.entries[key]
	if !ok {
		return fallback
	}
	if v, ok := e.Value.(int64); ok {
		return v
	}
	return fallback
}

// BoolValue returns the live bool value of a bool-typed key, or fallback if
// the key is unrecognised, not a bool entry, or r is nil.
func (r *Registry) BoolValue(key string, fallback bool) bool {
	if r == nil {
		return fallback
	}
	e, ok := r.entries[key]
	if !ok {
		return fallback
	}
	if v, ok := e.Value.(bool); ok {
		return v
	}
	return fallback
}
