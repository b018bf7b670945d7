// Package zconfig implements the live-reloadable configuration surface §6.2
// describes. Grounded on cachemir's pkg/config (ClientConfig/Validate shape)
// but backed by viper so that property changes picked up from a config file
// are reflected without restarting the process, matching §5's "configuration
// properties (atomically-updated scalar cells)".
package zconfig

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Properties holds every §6.2 configuration key for one application/prefix
// pair. A Store atomically swaps whole snapshots on reload, so readers never
// observe a torn update.
type Properties struct {
	ThrowException bool

	FallbackZone          bool
	BulkFallbackZone      bool
	BulkPartialFallback   bool

	UseInMemoryCache bool
	EventsUsingLatch bool
	IgnoreTouch      bool

	HashKey      bool
	AutoHashKeys bool
	HashAlgo     string

	MaxKeyLength int

	MaxReadDurationMetric  time.Duration
	MaxWriteDurationMetric time.Duration

	Alias string
}

// Defaults returns the §6.2-documented default Properties.
func Defaults() Properties {
	return Properties{
		ThrowException:         false,
		FallbackZone:           true,
		BulkFallbackZone:       true,
		BulkPartialFallback:    true,
		UseInMemoryCache:       false,
		EventsUsingLatch:       false,
		IgnoreTouch:            false,
		HashKey:                false,
		AutoHashKeys:           false,
		HashAlgo:               "xxhash64",
		MaxKeyLength:           200,
		MaxReadDurationMetric:  0,
		MaxWriteDurationMetric: 0,
	}
}

// Store is a live-reloadable Properties holder keyed by application name.
type Store struct {
	v       *viper.Viper
	current atomic.Pointer[Properties]
	app     string
}

// NewStore builds a Store for application app, seeded with defaults.
// If v is nil, a fresh in-memory viper instance is used (no file source) and
// WatchConfig is a no-op, which is the common case in tests.
func NewStore(app string, v *viper.Viper) *Store {
	if v == nil {
		v = viper.New()
	}
	s := &Store{v: v, app: app}
	d := Defaults()
	s.current.Store(&d)
	s.bindDefaults()
	s.reload()
	return s
}

func (s *Store) bindDefaults() {
	d := Defaults()
	s.v.SetDefault(s.key("throw.exception"), d.ThrowException)
	s.v.SetDefault(s.key("fallback.zone"), d.FallbackZone)
	s.v.SetDefault(s.key("bulk.fallback.zone"), d.BulkFallbackZone)
	s.v.SetDefault(s.key("bulk.partial.fallback.zone"), d.BulkPartialFallback)
	s.v.SetDefault(s.key("use.inmemory.cache"), d.UseInMemoryCache)
	s.v.SetDefault(s.key("events.using.latch"), d.EventsUsingLatch)
	s.v.SetDefault(s.key("ignore.touch"), d.IgnoreTouch)
	s.v.SetDefault(s.key("hash.key"), d.HashKey)
	s.v.SetDefault(s.key("auto.hash.keys"), d.AutoHashKeys)
	s.v.SetDefault(s.key("hash.algo"), d.HashAlgo)
	s.v.SetDefault(s.key("max.key.length"), d.MaxKeyLength)
}

func (s *Store) key(suffix string) string {
	return fmt.Sprintf("%s.%s", s.app, suffix)
}

// WatchAndReload starts viper's file watcher and reloads Properties on every
// change notification (§5/§6.2 "live-reloadable").
func (s *Store) WatchAndReload() {
	s.v.OnConfigChange(func(_ fsnotify.Event) { s.reload() })
	s.v.WatchConfig()
}

func (s *Store) reload() {
	p := Properties{
		ThrowException:         s.v.GetBool(s.key("throw.exception")),
		FallbackZone:           s.v.GetBool(s.key("fallback.zone")),
		BulkFallbackZone:       s.v.GetBool(s.key("bulk.fallback.zone")),
		BulkPartialFallback:    s.v.GetBool(s.key("bulk.partial.fallback.zone")),
		UseInMemoryCache:       s.v.GetBool(s.key("use.inmemory.cache")),
		EventsUsingLatch:       s.v.GetBool(s.key("events.using.latch")),
		IgnoreTouch:            s.v.GetBool(s.key("ignore.touch")),
		HashKey:                s.v.GetBool(s.key("hash.key")),
		AutoHashKeys:           s.v.GetBool(s.key("auto.hash.keys")),
		HashAlgo:               s.v.GetString(s.key("hash.algo")),
		MaxKeyLength:           s.v.GetInt(s.key("max.key.length")),
		MaxReadDurationMetric:  time.Duration(s.v.GetInt(s.key("max.read.duration.metric"))) * time.Millisecond,
		MaxWriteDurationMetric: time.Duration(s.v.GetInt(s.key("max.write.duration.metric"))) * time.Millisecond,
		Alias:                  s.v.GetString("EVCacheClientPoolManager." + s.app + ".alias"),
	}
	s.current.Store(&p)
}

// Get returns the current Properties snapshot. Safe for concurrent use.
func (s *Store) Get() Properties {
	return *s.current.Load()
}

// Set overrides a property programmatically (used by tests and by callers
// that manage config outside viper's file-watch mechanism), then stores the
// updated snapshot atomically.
func (s *Store) Set(mutate func(*Properties)) {
	p := s.Get()
	mutate(&p)
	s.current.Store(&p)
}
