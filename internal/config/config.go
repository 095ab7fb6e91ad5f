package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"replicated-log/internal/logger"
	"replicated-log/internal/replog"
	"replicated-log/internal/replog/storage"
)

const (
	// DefaultDataDir is where the bbolt store is created.
	DefaultDataDir = "./data"

	// DefaultGRPCAddr is the address replication requests are served on.
	DefaultGRPCAddr = "127.0.0.1:7001"

	// DefaultHTTPAddr is the address of the HTTP API and the metrics endpoint.
	DefaultHTTPAddr = "127.0.0.1:8001"

	// DefaultHeartbeatInterval is the period of empty AppendEntries requests of a leader.
	DefaultHeartbeatInterval = Duration(100 * time.Millisecond)

	DefaultMaxEntriesPerRequest = 1000
	DefaultMemoryTailRetention  = 1024
	DefaultRequestTimeout       = Duration(5 * time.Second)
	DefaultRetryBase            = Duration(50 * time.Millisecond)
	DefaultRetryMax             = Duration(time.Second)
	DefaultWaitTimeout          = Duration(30 * time.Second)

	DefaultAttemptTimeout = Duration(500 * time.Millisecond)
	DefaultMaxAttempts    = 3
)

// Config is the configuration of a replogd participant.
type Config struct {
	// Participant is the id of this process. A random id is generated when it is empty, which only makes sense for
	// a participant that is a follower of every log.
	Participant       string   `toml:"participant"`
	DataDir           string   `toml:"data-dir"`
	ByteOrder         string   `toml:"byte-order"`
	GRPCAddr          string   `toml:"grpc-addr"`
	HTTPAddr          string   `toml:"http-addr"`
	HeartbeatInterval Duration `toml:"heartbeat-interval"`

	Logging     logger.Config `toml:"logging"`
	Replication Replication   `toml:"replication"`
	Transport   Transport     `toml:"transport"`
	Peers       []Peer        `toml:"peers"`
	Logs        []Log         `toml:"logs"`
}

// Replication holds the knobs of every log of the participant.
type Replication struct {
	MaxEntriesPerRequest int      `toml:"max-entries-per-request"`
	MemoryTailRetention  int      `toml:"memory-tail-retention"`
	RequestTimeout       Duration `toml:"request-timeout"`
	RetryBase            Duration `toml:"retry-base"`
	RetryMax             Duration `toml:"retry-max"`
	// WaitTimeout bounds a wait for a commit that was started without a deadline
	WaitTimeout Duration `toml:"wait-timeout"`
}

type Transport struct {
	AttemptTimeout Duration `toml:"attempt-timeout"`
	MaxAttempts    int      `toml:"max-attempts"`
}

// Peer is another participant and the address its replication service listens on.
type Peer struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// Log describes one physical log and its static leadership.
type Log struct {
	ID           uint64   `toml:"id"`
	Term         uint64   `toml:"term"`
	Leader       string   `toml:"leader"`
	Followers    []string `toml:"followers"`
	WriteConcern int      `toml:"write-concern"`
	// QuorumPolicy is "leader" (the leader's copy counts toward the write concern) or "followers"
	QuorumPolicy string   `toml:"quorum-policy"`
	Streams      []string `toml:"streams"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		DataDir:           DefaultDataDir,
		ByteOrder:         storage.BigEndian.String(),
		GRPCAddr:          DefaultGRPCAddr,
		HTTPAddr:          DefaultHTTPAddr,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Logging:           logger.NewConfig(),
		Replication: Replication{
			MaxEntriesPerRequest: DefaultMaxEntriesPerRequest,
			MemoryTailRetention:  DefaultMemoryTailRetention,
			RequestTimeout:       DefaultRequestTimeout,
			RetryBase:            DefaultRetryBase,
			RetryMax:             DefaultRetryMax,
			WaitTimeout:          DefaultWaitTimeout,
		},
		Transport: Transport{
			AttemptTimeout: DefaultAttemptTimeout,
			MaxAttempts:    DefaultMaxAttempts,
		},
	}
}

// Load reads a TOML file on top of the defaults and validates the result. Unknown keys are an error.
func Load(path string) (Config, error) {
	c := NewConfig()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if c.Participant == "" {
		c.Participant = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	if c.Participant == "" {
		errs = append(errs, errors.New("participant must not be empty"))
	}
	if _, err := storage.ParseByteOrder(c.ByteOrder); err != nil {
		errs = append(errs, err)
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat-interval must be positive"))
	}

	known := map[string]bool{c.Participant: true}
	for _, p := range c.Peers {
		switch {
		case p.ID == "" || p.Address == "":
			errs = append(errs, fmt.Errorf("peer %q: id and address are required", p.ID))
		case known[p.ID]:
			errs = append(errs, fmt.Errorf("peer %q declared twice", p.ID))
		}
		known[p.ID] = true
	}

	logIDs := make(map[uint64]bool, len(c.Logs))
	for _, l := range c.Logs {
		if logIDs[l.ID] {
			errs = append(errs, fmt.Errorf("log %d declared twice", l.ID))
		}
		logIDs[l.ID] = true
		if err := l.validate(known); err != nil {
			errs = append(errs, fmt.Errorf("log %d: %w", l.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (l Log) validate(known map[string]bool) error {
	if l.Term == 0 {
		return errors.New("term must be at least 1")
	}
	if _, err := l.Configuration(); err != nil {
		return err
	}
	for _, id := range append([]string{l.Leader}, l.Followers...) {
		if !known[id] {
			return fmt.Errorf("participant %q is neither this participant nor a peer", id)
		}
	}
	for i, s := range l.Streams {
		if s == "" {
			return errors.New("empty stream id")
		}
		if slices.Contains(l.Streams[:i], s) {
			return fmt.Errorf("stream %q declared twice", s)
		}
	}
	return nil
}

// Configuration converts the log section to the configuration handed to its leader.
func (l Log) Configuration() (replog.LogConfiguration, error) {
	policy, err := parseQuorumPolicy(l.QuorumPolicy)
	if err != nil {
		return replog.LogConfiguration{}, err
	}
	followers := make([]replog.ParticipantID, 0, len(l.Followers))
	for _, f := range l.Followers {
		followers = append(followers, replog.ParticipantID(f))
	}
	cfg := replog.LogConfiguration{
		LeaderID:     replog.ParticipantID(l.Leader),
		Followers:    followers,
		WriteConcern: l.WriteConcern,
		QuorumPolicy: policy,
	}
	return cfg, cfg.Validate()
}

func parseQuorumPolicy(s string) (replog.QuorumPolicy, error) {
	switch strings.ToLower(s) {
	case "", "leader":
		return replog.LeaderCountsTowardQuorum, nil
	case "followers":
		return replog.FollowersOnly, nil
	default:
		return 0, fmt.Errorf("unknown quorum-policy %q", s)
	}
}

// PeerAddresses maps every peer id to its address.
func (c Config) PeerAddresses() map[replog.ParticipantID]string {
	out := make(map[replog.ParticipantID]string, len(c.Peers))
	for _, p := range c.Peers {
		out[replog.ParticipantID(p.ID)] = p.Address
	}
	return out
}
