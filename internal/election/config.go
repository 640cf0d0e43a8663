package election

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// Config holds the tunables of the election protocol.
type Config struct {
	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized election timeout. The range of 150-300ms follows
	// the recommendation at the end of Section 9.3 from the [Raft paper](https://raft.github.io/raft.pdf).
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// CandidateInterval is the fixed delay of the candidate timer.
	CandidateInterval time.Duration
	// HeartbeatInterval is the fixed delay of the leader timer. It must be shorter than ElectionTimeoutMin, otherwise
	// followers time out between two heartbeats of a healthy leader.
	HeartbeatInterval time.Duration
	// RPCTimeout bounds every outbound vote or heartbeat call.
	RPCTimeout time.Duration
	// LeaderLogInterval rate-limits the "leader is X, term is N" diagnostic line.
	LeaderLogInterval time.Duration

	Logger  Logger
	Metrics MetricsCollector
	// Store is optional. Without it term and vote live in memory only.
	Store StableStore
	// Scheduler and Clock are overridable for tests.
	Scheduler Scheduler
	Clock     func() time.Time
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		CandidateInterval:  50 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         100 * time.Millisecond,
		LeaderLogInterval:  5 * time.Second,
		Logger:             NewStdLogger(),
		Scheduler:          TimerScheduler{},
		Clock:              time.Now,
	}
}

var errInvalidConfig = errors.New("invalid election config")

// Validate checks the timing relationships the protocol depends on.
func (c *Config) Validate() error {
	switch {
	case c.ElectionTimeoutMin <= 0:
		return fmt.Errorf("%w: election timeout min must be positive", errInvalidConfig)
	case c.ElectionTimeoutMax <= c.ElectionTimeoutMin:
		return fmt.Errorf("%w: election timeout max (%v) must exceed min (%v)", errInvalidConfig,
			c.ElectionTimeoutMax, c.ElectionTimeoutMin)
	case c.CandidateInterval <= 0:
		return fmt.Errorf("%w: candidate interval must be positive", errInvalidConfig)
	case c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin:
		return fmt.Errorf("%w: heartbeat interval (%v) must be positive and below election timeout min (%v)",
			errInvalidConfig, c.HeartbeatInterval, c.ElectionTimeoutMin)
	case c.RPCTimeout <= 0:
		return fmt.Errorf("%w: rpc timeout must be positive", errInvalidConfig)
	}
	return nil
}

// withDefaults fills the zero-valued collaborators so the node never has to nil-check them.
func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.Logger == nil {
		cfg.Logger = NewStdLogger()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = TimerScheduler{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.LeaderLogInterval <= 0 {
		cfg.LeaderLogInterval = 5 * time.Second
	}
	return &cfg
}

// electionTimeout draws a random duration in [ElectionTimeoutMin, ElectionTimeoutMax).
func (c *Config) electionTimeout() time.Duration {
	return c.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(c.ElectionTimeoutMax-c.ElectionTimeoutMin)))
}

// TimerScheduler schedules callbacks on time.AfterFunc goroutines.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

// stdLogger writes through the standard library logger.
type stdLogger struct {
	debug bool
}

// NewStdLogger returns a Logger backed by the standard log package. Debug lines are dropped.
func NewStdLogger() Logger {
	return &stdLogger{}
}

// NewVerboseLogger is NewStdLogger with debug lines enabled.
func NewVerboseLogger() Logger {
	return &stdLogger{debug: true}
}

func (l *stdLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		log.Printf("DEBUG "+format, args...)
	}
}
func (l *stdLogger) Infof(format string, args ...interface{})  { log.Printf("INFO "+format, args...) }
func (l *stdLogger) Warnf(format string, args ...interface{})  { log.Printf("WARN "+format, args...) }
func (l *stdLogger) Errorf(format string, args ...interface{}) { log.Printf("ERROR "+format, args...) }

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}
