package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/spf13/cobra"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/logging"
	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/node"
	"github.com/nmxmxh/ghostnet/internal/resonance"
)

var (
	numNodes    int
	numMessages int
	fullMesh    bool
	gossip      bool
	decoys      bool
	seed        uint64
	settle      time.Duration
	deadline    time.Duration
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "ghost-sim",
	Short: "Simulate a ghostnet swarm over an in-process libp2p mocknet",
	Long: `ghost-sim starts N nodes on a libp2p mocknet, wires them as a ring (or a
full mesh), lets discovery settle, then sends messages between random pairs
and injects malformed frames. It reports delivery, relay and decoy counts.`,
	SilenceUsage: true,
	RunE:         simulate,
}

func init() {
	rootCmd.Flags().IntVarP(&numNodes, "nodes", "n", 6, "number of nodes")
	rootCmd.Flags().IntVarP(&numMessages, "messages", "m", 10, "messages to send")
	rootCmd.Flags().BoolVar(&fullMesh, "full-mesh", false, "connect every pair instead of a ring")
	rootCmd.Flags().BoolVar(&gossip, "gossip", false, "broadcast over GossipSub instead of direct streams")
	rootCmd.Flags().BoolVar(&decoys, "decoys", true, "emit decoy traffic")
	rootCmd.Flags().Uint64Var(&seed, "seed", 1, "placement seed")
	rootCmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "discovery settle time")
	rootCmd.Flags().DurationVar(&deadline, "deadline", 10*time.Second, "time to wait for deliveries")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type simNode struct {
	*node.Node
	transport *network.Libp2pTransport
	delivered atomic.Uint64
}

func simulate(cmd *cobra.Command, args []string) error {
	if numNodes < 2 {
		return fmt.Errorf("need at least 2 nodes, got %d", numNodes)
	}
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg.Level = slog.LevelDebug
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	logger.Info("Creating mocknet", "nodes", numNodes, "full_mesh", fullMesh, "gossip", gossip)
	mn := mocknet.New()
	defer mn.Close()

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	nodes := make([]*simNode, 0, numNodes)
	for i := 0; i < numNodes; i++ {
		h, err := mn.GenPeer()
		if err != nil {
			return fmt.Errorf("gen peer %d: %w", i, err)
		}
		tcfg := network.DefaultTransportConfig()
		tcfg.EnableGossip = gossip
		t, err := network.NewLibp2pTransportFromHost(ctx, h, tcfg, logger)
		if err != nil {
			return err
		}

		cfg := node.DefaultConfig()
		cfg.Resonance = resonance.MustNew(rng.Float64()*10, rng.Float64()*10, rng.Float64()*10)
		cfg.EnableDecoys = decoys
		cfg.Broadcast.DecoyInterval = 500 * time.Millisecond
		cfg.Discovery.AnnounceEvery = settle / 2
		cfg.Transport = tcfg
		n, err := node.New(cfg, t, logger.With("node", i))
		if err != nil {
			return err
		}
		nodes = append(nodes, &simNode{Node: n, transport: t})
	}

	if err := mn.LinkAll(); err != nil {
		return fmt.Errorf("link mocknet: %w", err)
	}
	if fullMesh {
		if err := mn.ConnectAllButSelf(); err != nil {
			return fmt.Errorf("connect mocknet: %w", err)
		}
	} else {
		for i := range nodes {
			a := nodes[i].transport.Host().ID()
			b := nodes[(i+1)%len(nodes)].transport.Host().ID()
			if _, err := mn.ConnectPeers(a, b); err != nil {
				return fmt.Errorf("connect ring %d: %w", i, err)
			}
		}
	}

	var wg sync.WaitGroup
	for _, sn := range nodes {
		wg.Add(2)
		go func(sn *simNode) {
			defer wg.Done()
			if err := sn.Run(ctx); err != nil {
				logger.Error("Node stopped", "error", err)
			}
		}(sn)
		go func(sn *simNode) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-sn.Deliveries():
					sn.delivered.Add(1)
					d.Transaction.Scrub()
				}
			}
		}(sn)
	}

	logger.Info("Waiting for discovery", "settle", settle)
	time.Sleep(settle)

	logger.Info("Starting load test", "messages", numMessages)
	for k := 0; k < numMessages; k++ {
		src := rng.IntN(len(nodes))
		dst := rng.IntN(len(nodes) - 1)
		if dst >= src {
			dst++
		}
		msg := []byte(fmt.Sprintf("hello from %d to %d #%d", src, dst, k))
		if _, err := nodes[src].Send(ctx, nodes[dst].Identity().Resonance, msg, core.CarrierType(k%4)); err != nil {
			logger.Warn("Send failed", "src", src, "dst", dst, "error", err)
		}
	}

	logger.Info("Starting penetration test")
	for i, sn := range nodes {
		junk := make([]byte, rng.IntN(100)+1)
		for j := range junk {
			junk[j] = byte(rng.UintN(256))
		}
		for _, p := range sn.transport.Peers() {
			frame := network.EncodeFrame(network.FramePacket, junk)
			if err := sn.transport.Send(ctx, p, frame); err != nil {
				logger.Warn("Malformed send failed", "src", i, "error", err)
			}
		}
	}

	waitUntil := time.Now().Add(deadline)
	for time.Now().Before(waitUntil) {
		var total uint64
		for _, sn := range nodes {
			total += sn.delivered.Load()
		}
		if total >= uint64(numMessages) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	for _, sn := range nodes {
		_ = sn.Close()
	}
	wg.Wait()

	var delivered, relayed, decoyCount, ingestErrors, rejected uint64
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-4s %-28s %9s %7s %6s %7s %8s\n", "node", "resonance", "delivered", "relayed", "decoys", "ingest!", "rejected")
	for i, sn := range nodes {
		st := sn.Stats()
		fmt.Fprintf(out, "%-4d %-28s %9d %7d %6d %7d %8d\n", i, sn.Identity().Resonance.String(),
			sn.delivered.Load(), st.Relayed, st.Broadcast.DecoyPackets, st.IngestErrors, st.Protocol.Rejected)
		delivered += sn.delivered.Load()
		relayed += st.Relayed
		decoyCount += st.Broadcast.DecoyPackets
		ingestErrors += st.IngestErrors
		rejected += st.Protocol.Rejected
	}
	fmt.Fprintf(out, "\ndelivered %d/%d, relayed %d, decoys %d, malformed dropped %d, rejected %d\n",
		delivered, numMessages, relayed, decoyCount, ingestErrors, rejected)
	return nil
}
