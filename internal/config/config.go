// Package config loads a node's TOML configuration file on top of the
// built-in defaults. Only keys present in the file override a default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nmxmxh/ghostnet/internal/logging"
	"github.com/nmxmxh/ghostnet/internal/node"
	"github.com/nmxmxh/ghostnet/internal/proof"
	"github.com/nmxmxh/ghostnet/internal/protocol"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

// Config is everything a ghost-node process needs.
type Config struct {
	Node node.Config
	Log  logging.Config
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Node: node.DefaultConfig(),
		Log:  logging.DefaultConfig(),
	}
}

type fileConfig struct {
	Node struct {
		Resonance       []float64 `toml:"resonance"`
		Capabilities    []string  `toml:"capabilities"`
		Codec           string    `toml:"codec"`
		EnableRelay     bool      `toml:"enable_relay"`
		EnableDecoys    bool      `toml:"enable_decoys"`
		NodeTimeout     string    `toml:"node_timeout"`
		CleanupInterval string    `toml:"cleanup_interval"`
		DeliveryBuffer  int       `toml:"delivery_buffer"`
	} `toml:"node"`

	Log struct {
		Level      string `toml:"level"`
		Format     string `toml:"format"`
		Color      bool   `toml:"color"`
		ShowCaller bool   `toml:"show_caller"`
	} `toml:"log"`

	Protocol struct {
		Epsilon              float64 `toml:"epsilon"`
		ForwardSecrecy       bool    `toml:"forward_secrecy"`
		AdaptiveTimestamps   bool    `toml:"adaptive_timestamps"`
		TimestampGranularity string  `toml:"timestamp_granularity"`
		MaxActionSize        int     `toml:"max_action_size"`
		Proof                string  `toml:"proof"`
		RequireProof         bool    `toml:"require_proof"`
		AnonymitySet         int     `toml:"anonymity_set"`
		Compress             bool    `toml:"compress"`
		KeyAgreement         string  `toml:"key_agreement"`
		CoverText            string  `toml:"cover_text"`
	} `toml:"protocol"`

	Broadcast struct {
		ChannelTTL           string  `toml:"channel_ttl"`
		MaxChannels          int     `toml:"max_channels"`
		MaxPacketsPerChannel int     `toml:"max_packets_per_channel"`
		DecoyInterval        string  `toml:"decoy_interval"`
		DecoysPerTick        int     `toml:"decoys_per_tick"`
		DecoySpread          float64 `toml:"decoy_spread"`
		MinDecoyPayload      int     `toml:"min_decoy_payload"`
		BloomExpected        uint    `toml:"bloom_expected"`
		BloomFalsePositive   float64 `toml:"bloom_false_positive"`
		RatePerSecond        int     `toml:"rate_per_second"`
		RateBurst            int     `toml:"rate_burst"`
	} `toml:"broadcast"`

	Discovery struct {
		BeaconTTL     string `toml:"beacon_ttl"`
		MaxBeaconTTL  string `toml:"max_beacon_ttl"`
		AnnounceEvery string `toml:"announce_every"`
		MaxNodes      int    `toml:"max_nodes"`
	} `toml:"discovery"`

	Router struct {
		ResonanceWeight float64 `toml:"resonance_weight"`
		QualityWeight   float64 `toml:"quality_weight"`
		LatencyWeight   float64 `toml:"latency_weight"`
		HopWeight       float64 `toml:"hop_weight"`
		MinProbability  float64 `toml:"min_probability"`
		MaxAlternatives int     `toml:"max_alternatives"`
		ExplorationRate float64 `toml:"exploration_rate"`
	} `toml:"router"`

	Transport struct {
		Listen         []string `toml:"listen"`
		Bootstrap      []string `toml:"bootstrap"`
		IdentityPath   string   `toml:"identity_path"`
		Gossip         bool     `toml:"gossip"`
		GossipTopic    string   `toml:"gossip_topic"`
		DialTimeout    string   `toml:"dial_timeout"`
		SendTimeout    string   `toml:"send_timeout"`
		MaxMessageSize int      `toml:"max_message_size"`

		Breaker struct {
			Enabled          bool   `toml:"enabled"`
			FailureThreshold uint32 `toml:"failure_threshold"`
			Timeout          string `toml:"timeout"`
		} `toml:"breaker"`
	} `toml:"transport"`
}

// Load reads path and applies it over Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(Default(), raw, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(Default(), raw, meta)
}

// overrides applies defined keys, remembering the first parse failure.
type overrides struct {
	meta toml.MetaData
	err  error
}

func (o *overrides) duration(dst *time.Duration, val string, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		o.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func set[T any](o *overrides, dst *T, val T, key ...string) {
	if o.err == nil && o.meta.IsDefined(key...) {
		*dst = val
	}
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	o := &overrides{meta: meta}
	n := &cfg.Node

	if meta.IsDefined("node", "resonance") {
		if len(raw.Node.Resonance) != 3 {
			return Config{}, errors.New("node.resonance must have three components")
		}
		res, err := resonance.New(raw.Node.Resonance[0], raw.Node.Resonance[1], raw.Node.Resonance[2])
		if err != nil {
			return Config{}, fmt.Errorf("node.resonance: %w", err)
		}
		n.Resonance = res
	}
	set(o, &n.Capabilities, raw.Node.Capabilities, "node", "capabilities")
	set(o, &n.Codec, strings.TrimSpace(raw.Node.Codec), "node", "codec")
	set(o, &n.EnableRelay, raw.Node.EnableRelay, "node", "enable_relay")
	set(o, &n.EnableDecoys, raw.Node.EnableDecoys, "node", "enable_decoys")
	o.duration(&n.NodeTimeout, raw.Node.NodeTimeout, "node", "node_timeout")
	o.duration(&n.CleanupInterval, raw.Node.CleanupInterval, "node", "cleanup_interval")
	set(o, &n.DeliveryBuffer, raw.Node.DeliveryBuffer, "node", "delivery_buffer")

	if meta.IsDefined("log", "level") {
		l, err := logging.ParseLevel(raw.Log.Level)
		if err != nil {
			return Config{}, err
		}
		cfg.Log.Level = l
	}
	set(o, &cfg.Log.Format, strings.TrimSpace(raw.Log.Format), "log", "format")
	set(o, &cfg.Log.Colorize, raw.Log.Color, "log", "color")
	set(o, &cfg.Log.ShowCaller, raw.Log.ShowCaller, "log", "show_caller")

	p := &n.Protocol
	set(o, &p.Epsilon, raw.Protocol.Epsilon, "protocol", "epsilon")
	set(o, &p.EnableForwardSecrecy, raw.Protocol.ForwardSecrecy, "protocol", "forward_secrecy")
	set(o, &p.AdaptiveTimestamps, raw.Protocol.AdaptiveTimestamps, "protocol", "adaptive_timestamps")
	o.duration(&p.TimestampGranularity, raw.Protocol.TimestampGranularity, "protocol", "timestamp_granularity")
	set(o, &p.MaxActionSize, raw.Protocol.MaxActionSize, "protocol", "max_action_size")
	if meta.IsDefined("protocol", "proof") {
		k, err := proof.ParseKind(strings.TrimSpace(raw.Protocol.Proof))
		if err != nil {
			return Config{}, fmt.Errorf("protocol.proof: %w", err)
		}
		p.ProofKind = k
	}
	set(o, &p.RequireProof, raw.Protocol.RequireProof, "protocol", "require_proof")
	set(o, &p.AnonymitySetSize, raw.Protocol.AnonymitySet, "protocol", "anonymity_set")
	set(o, &p.CompressPayload, raw.Protocol.Compress, "protocol", "compress")
	set(o, &p.KeyAgreement, protocol.KeyAgreement(strings.TrimSpace(raw.Protocol.KeyAgreement)), "protocol", "key_agreement")
	set(o, &p.CoverText, raw.Protocol.CoverText, "protocol", "cover_text")

	b := &n.Broadcast
	o.duration(&b.DefaultChannelTTL, raw.Broadcast.ChannelTTL, "broadcast", "channel_ttl")
	set(o, &b.MaxChannels, raw.Broadcast.MaxChannels, "broadcast", "max_channels")
	set(o, &b.MaxPacketsPerChannel, raw.Broadcast.MaxPacketsPerChannel, "broadcast", "max_packets_per_channel")
	o.duration(&b.DecoyInterval, raw.Broadcast.DecoyInterval, "broadcast", "decoy_interval")
	set(o, &b.DecoysPerTick, raw.Broadcast.DecoysPerTick, "broadcast", "decoys_per_tick")
	set(o, &b.DecoySpread, raw.Broadcast.DecoySpread, "broadcast", "decoy_spread")
	set(o, &b.MinDecoyPayload, raw.Broadcast.MinDecoyPayload, "broadcast", "min_decoy_payload")
	set(o, &b.BloomFilter.ExpectedElements, raw.Broadcast.BloomExpected, "broadcast", "bloom_expected")
	set(o, &b.BloomFilter.FalsePositiveRate, raw.Broadcast.BloomFalsePositive, "broadcast", "bloom_false_positive")
	set(o, &b.RateLimit.MessagesPerSecond, raw.Broadcast.RatePerSecond, "broadcast", "rate_per_second")
	set(o, &b.RateLimit.BurstSize, raw.Broadcast.RateBurst, "broadcast", "rate_burst")

	d := &n.Discovery
	o.duration(&d.BeaconTTL, raw.Discovery.BeaconTTL, "discovery", "beacon_ttl")
	o.duration(&d.MaxBeaconTTL, raw.Discovery.MaxBeaconTTL, "discovery", "max_beacon_ttl")
	o.duration(&d.AnnounceEvery, raw.Discovery.AnnounceEvery, "discovery", "announce_every")
	set(o, &d.MaxNodes, raw.Discovery.MaxNodes, "discovery", "max_nodes")

	r := &n.Router
	set(o, &r.ResonanceWeight, raw.Router.ResonanceWeight, "router", "resonance_weight")
	set(o, &r.QualityWeight, raw.Router.QualityWeight, "router", "quality_weight")
	set(o, &r.LatencyWeight, raw.Router.LatencyWeight, "router", "latency_weight")
	set(o, &r.HopWeight, raw.Router.HopWeight, "router", "hop_weight")
	set(o, &r.MinProbability, raw.Router.MinProbability, "router", "min_probability")
	set(o, &r.MaxAlternatives, raw.Router.MaxAlternatives, "router", "max_alternatives")
	set(o, &r.ExplorationRate, raw.Router.ExplorationRate, "router", "exploration_rate")

	t := &n.Transport
	set(o, &t.ListenAddrs, normalizeList(raw.Transport.Listen), "transport", "listen")
	set(o, &t.BootstrapPeers, normalizeList(raw.Transport.Bootstrap), "transport", "bootstrap")
	set(o, &t.IdentityPath, strings.TrimSpace(raw.Transport.IdentityPath), "transport", "identity_path")
	set(o, &t.EnableGossip, raw.Transport.Gossip, "transport", "gossip")
	set(o, &t.GossipTopic, strings.TrimSpace(raw.Transport.GossipTopic), "transport", "gossip_topic")
	o.duration(&t.DialTimeout, raw.Transport.DialTimeout, "transport", "dial_timeout")
	o.duration(&t.SendTimeout, raw.Transport.SendTimeout, "transport", "send_timeout")
	set(o, &t.MaxMessageSize, raw.Transport.MaxMessageSize, "transport", "max_message_size")
	set(o, &t.Breaker.Enabled, raw.Transport.Breaker.Enabled, "transport", "breaker", "enabled")
	set(o, &t.Breaker.FailureThreshold, raw.Transport.Breaker.FailureThreshold, "transport", "breaker", "failure_threshold")
	o.duration(&t.Breaker.Timeout, raw.Transport.Breaker.Timeout, "transport", "breaker", "timeout")

	if o.err != nil {
		return Config{}, o.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the parts of the configuration that have validators.
func (c Config) Validate() error {
	if err := c.Node.Resonance.Validate(); err != nil {
		return fmt.Errorf("node.resonance: %w", err)
	}
	if err := c.Node.Protocol.Validate(); err != nil {
		return err
	}
	if err := c.Node.Router.Validate(); err != nil {
		return err
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
