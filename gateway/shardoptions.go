package gateway

import (
	"context"
	"time"

	"github.com/TicketsBot/gatewayclient/metrics"
	"github.com/rxdn/gdl/gateway/intents"
	"github.com/rxdn/gdl/objects/user"
)

const DefaultGatewayURL = "wss://gateway.discord.gg"

type FatalPolicy int

const (
	// FatalPolicyStop destroys the manager after an unrecoverable close code.
	FatalPolicyStop FatalPolicy = iota
	// FatalPolicyRestart drops every session and requeues all shards.
	FatalPolicyRestart
)

type ShardOptions struct {
	ShardCount           ShardCount
	GuildSubscriptions   bool
	Presence             *user.UpdateStatus
	Intents              []intents.Intent
	LargeShardingBuckets int // defaults to 1. don't touch unless discord tell you to

	GatewayURL     string
	Version        int
	Compress       bool
	LargeThreshold int
	Properties     IdentifyProperties

	CloseTimeout      time.Duration
	HelloTimeout      time.Duration
	HandshakeTimeout  time.Duration
	WaitGuildTimeout  time.Duration
	GuildGraceTimeout time.Duration
	SpawnDelay        time.Duration
	IdentifyInterval  time.Duration
	SendLimit         int
	SendWindow        time.Duration
	ReadLimit         int64

	FatalPolicy FatalPolicy

	// GatewayInfo is asked for the gateway URL, the recommended shard count
	// and the session start concurrency before any shard is spawned.
	GatewayInfo     func(ctx context.Context) (*GatewayInfo, error)
	IdentifyLimiter IdentifyLimiter
	Metrics         *metrics.Gateway
}

type ShardCount struct {
	Total   int // 0 uses the recommended count
	Lowest  int // Inclusive
	Highest int // Exclusive
}

type GatewayInfo struct {
	URL            string
	Shards         int
	MaxConcurrency int
}

func DefaultShardOptions() ShardOptions {
	return ShardOptions{
		LargeShardingBuckets: 1,
		GatewayURL:           DefaultGatewayURL,
		Version:              10,
		LargeThreshold:       50,
		Properties: IdentifyProperties{
			Os:      "linux",
			Browser: "gatewayclient",
			Device:  "gatewayclient",
		},
		CloseTimeout:      5 * time.Second,
		HelloTimeout:      20 * time.Second,
		HandshakeTimeout:  30 * time.Second,
		WaitGuildTimeout:  15 * time.Second,
		GuildGraceTimeout: 0,
		SpawnDelay:        5 * time.Second,
		IdentifyInterval:  defaultIdentifyInterval,
		SendLimit:         120,
		SendWindow:        time.Minute,
		ReadLimit:         4294967296,
		FatalPolicy:       FatalPolicyStop,
	}
}

func (o *ShardOptions) fillDefaults() {
	defaults := DefaultShardOptions()

	if o.GatewayURL == "" {
		o.GatewayURL = defaults.GatewayURL
	}

	if o.Version <= 0 {
		o.Version = defaults.Version
	}

	if o.Properties == (IdentifyProperties{}) {
		o.Properties = defaults.Properties
	}

	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaults.CloseTimeout
	}

	if o.HelloTimeout <= 0 {
		o.HelloTimeout = defaults.HelloTimeout
	}

	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaults.HandshakeTimeout
	}

	if o.WaitGuildTimeout <= 0 {
		o.WaitGuildTimeout = defaults.WaitGuildTimeout
	}

	if o.GuildGraceTimeout < 0 {
		o.GuildGraceTimeout = 0
	}

	if o.SpawnDelay < 0 {
		o.SpawnDelay = 0
	}

	if o.IdentifyInterval <= 0 {
		o.IdentifyInterval = defaults.IdentifyInterval
	}

	if o.SendLimit <= 0 {
		o.SendLimit = defaults.SendLimit
	}

	if o.SendWindow <= 0 {
		o.SendWindow = defaults.SendWindow
	}

	if o.ReadLimit <= 0 {
		o.ReadLimit = defaults.ReadLimit
	}
}

func (o *ShardOptions) intents() int {
	var sum int
	for _, intent := range o.Intents {
		sum |= int(intent)
	}

	return sum
}
