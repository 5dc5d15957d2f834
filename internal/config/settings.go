package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// Settings is the typed view of both config files with defaults applied.
type Settings struct {
	ServerAddr string
	ServerURL  string
	// RedisAddr enables the operation mirror when set.
	RedisAddr string

	LogLevel  string
	LogPretty bool

	CoalesceWindow time.Duration
	FlushInterval  time.Duration
	UndoCapacity   int

	TombstoneTTL     time.Duration
	CompactInterval  time.Duration
	MinTombstones    int
	CompactDocuments []string
}

func Defaults() *Settings {
	return &Settings{
		ServerAddr:       ":8081",
		ServerURL:        "ws://localhost:8081",
		LogLevel:         "info",
		CoalesceWindow:   50 * time.Millisecond,
		FlushInterval:    100 * time.Millisecond,
		UndoCapacity:     100,
		TombstoneTTL:     168 * time.Hour,
		CompactInterval:  time.Hour,
		MinTombstones:    64,
		CompactDocuments: []string{"**"},
	}
}

// Load reads the global file and the local file found from dir upwards.
// Local values win.
func Load(dir string) (*Settings, error) {
	local := ""
	if dir != "" {
		if d, err := FindLocal(dir); err == nil {
			local = d
		}
	}
	trees, err := layers(local)
	if err != nil {
		return nil, err
	}
	v := values(trees)
	s := Defaults()
	v.str("server.addr", &s.ServerAddr)
	v.str("server.url", &s.ServerURL)
	v.str("redis.addr", &s.RedisAddr)
	v.str("log.level", &s.LogLevel)
	v.flag("log.pretty", &s.LogPretty)
	v.duration("replica.coalesceWindow", &s.CoalesceWindow)
	v.duration("replica.flushInterval", &s.FlushInterval)
	v.num("undo.capacity", &s.UndoCapacity)
	v.duration("compact.tombstoneTTL", &s.TombstoneTTL)
	v.duration("compact.interval", &s.CompactInterval)
	v.num("compact.minTombstones", &s.MinTombstones)
	v.list("compact.documents", &s.CompactDocuments)
	if v.err != nil {
		return nil, v.err
	}
	return s, nil
}

// valueSet looks keys up through the trees in order and keeps the first
// conversion error.
type valueSet struct {
	trees []*toml.Tree
	err   error
}

func values(trees []*toml.Tree) *valueSet { return &valueSet{trees: trees} }

func (v *valueSet) get(key string) interface{} {
	for _, t := range v.trees {
		if x := t.Get(key); x != nil {
			return x
		}
	}
	return nil
}

func (v *valueSet) fail(key string, x interface{}, want string) {
	if v.err == nil {
		v.err = fmt.Errorf("config %s: %v is not %s", key, x, want)
	}
}

func (v *valueSet) str(key string, dst *string) {
	if x := v.get(key); x != nil {
		*dst = fmt.Sprintf("%v", x)
	}
}

func (v *valueSet) flag(key string, dst *bool) {
	switch x := v.get(key).(type) {
	case nil:
	case bool:
		*dst = x
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			v.fail(key, x, "a boolean")
			return
		}
		*dst = b
	default:
		v.fail(key, x, "a boolean")
	}
}

func (v *valueSet) num(key string, dst *int) {
	switch x := v.get(key).(type) {
	case nil:
	case int64:
		*dst = int(x)
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			v.fail(key, x, "an integer")
			return
		}
		*dst = n
	default:
		v.fail(key, x, "an integer")
	}
}

// duration accepts Go duration strings; bare numbers are seconds.
func (v *valueSet) duration(key string, dst *time.Duration) {
	switch x := v.get(key).(type) {
	case nil:
	case int64:
		*dst = time.Duration(x) * time.Second
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			v.fail(key, x, "a duration")
			return
		}
		*dst = d
	default:
		v.fail(key, x, "a duration")
	}
}

// list accepts a TOML array or a comma separated string.
func (v *valueSet) list(key string, dst *[]string) {
	switch x := v.get(key).(type) {
	case nil:
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprintf("%v", e))
		}
		*dst = out
	case []string:
		*dst = x
	case string:
		var out []string
		for _, p := range strings.Split(x, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	default:
		v.fail(key, x, "a list")
	}
}
