package coord

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-huddle/v1/lock"
	"github.com/mirkobrombin/go-huddle/v1/logger"
	"github.com/mirkobrombin/go-huddle/v1/transport"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultInstanceTimeout   = 15 * time.Second
	DefaultMaxInstances      = 10
	DefaultLease             = lock.DefaultLease
)

// ErrInvalidConfig is returned by New when the options are inconsistent.
var ErrInvalidConfig = errors.New("coord: invalid config")

// Config holds the settings fixed at construction.
type Config struct {
	HeartbeatInterval time.Duration
	InstanceTimeout   time.Duration
	// MaxInstances is a soft cap; exceeding it only logs and flags Stats.
	MaxInstances int
	DefaultLease time.Duration
	Channel      string
	Foreground   bool
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		InstanceTimeout:   DefaultInstanceTimeout,
		MaxInstances:      DefaultMaxInstances,
		DefaultLease:      DefaultLease,
		Channel:           transport.DefaultChannel,
		Foreground:        true,
	}
}

// Validate checks the liveness window against the heartbeat interval.
func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	case c.InstanceTimeout <= 2*c.HeartbeatInterval:
		return fmt.Errorf("%w: instance timeout %s must exceed twice the heartbeat interval %s",
			ErrInvalidConfig, c.InstanceTimeout, c.HeartbeatInterval)
	case c.MaxInstances <= 0:
		return fmt.Errorf("%w: max instances must be positive", ErrInvalidConfig)
	case c.DefaultLease <= 0:
		return fmt.Errorf("%w: default lease must be positive", ErrInvalidConfig)
	case c.Channel == "":
		return fmt.Errorf("%w: channel must not be empty", ErrInvalidConfig)
	}
	return nil
}

type options struct {
	cfg   Config
	log   *zap.Logger
	clock clock.Clock
	watch watchbus.WatchBus
}

// Option configures a Coordinator.
type Option func(*options)

// WithConfig replaces every setting at once.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithHeartbeatInterval sets how often the instance announces itself.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.cfg.HeartbeatInterval = d }
}

// WithInstanceTimeout sets how long a silent peer stays live.
func WithInstanceTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.InstanceTimeout = d }
}

// WithMaxInstances sets the advisory instance cap.
func WithMaxInstances(n int) Option {
	return func(o *options) { o.cfg.MaxInstances = n }
}

// WithDefaultLease sets the lease used when Acquire gets a non-positive duration.
func WithDefaultLease(d time.Duration) Option {
	return func(o *options) { o.cfg.DefaultLease = d }
}

// WithChannel sets the bus topic shared by the instances.
func WithChannel(channel string) Option {
	return func(o *options) { o.cfg.Channel = channel }
}

// WithForeground sets the initial visibility of the instance.
func WithForeground(fg bool) Option {
	return func(o *options) { o.cfg.Foreground = fg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = logger.OrNop(l)
	}
}

// WithClock injects the time source, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithWatchBus mirrors every dispatched event to wb under "events:<type>".
func WithWatchBus(wb watchbus.WatchBus) Option {
	return func(o *options) { o.watch = wb }
}
