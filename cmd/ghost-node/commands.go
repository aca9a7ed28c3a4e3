package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nmxmxh/ghostnet/internal/core"
	"github.com/nmxmxh/ghostnet/internal/masking"
	"github.com/nmxmxh/ghostnet/internal/network"
	"github.com/nmxmxh/ghostnet/internal/node"
)

var (
	// run/send flags
	resonanceFlag string
	listenAddrs   []string
	peerAddrs     []string
	identityPath  string
	keysStdin     bool

	// send flags
	targetFlag  string
	messageFlag string
	carrierFlag string
	settleFlag  time.Duration

	// params flags
	senderFlag    string
	ephemeralFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node until interrupted",
	Long: `Runs a node until interrupted.

With forward secrecy on, packets addressed to this node wait for their
ephemeral key. Pass --keys-stdin and paste "<packet-id> <hex-key>" lines as
printed by the sender's "ghost-node send".`,
	RunE: runNode,
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message to a resonance region and exit",
	Long: `Starts a short-lived node, connects to the given peers, broadcasts a
single packet addressed to --target and exits.

Example:
  ghost-node send --peer /ip4/10.0.0.5/tcp/4001/p2p/12D3... \
    --resonance 1,1,1 --target 1.05,1.05,1.05 --message "meet at dawn"`,
	RunE: sendMessage,
}

var paramsCmd = &cobra.Command{
	Use:   "keygen-params",
	Short: "Derive the masking parameters for a sender/target pair",
	RunE:  printParams,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, sendCmd} {
		c.Flags().StringVar(&resonanceFlag, "resonance", "", "this node's resonance as psi,rho,omega")
		c.Flags().StringSliceVar(&listenAddrs, "listen", nil, "listen multiaddrs")
		c.Flags().StringSliceVar(&peerAddrs, "peer", nil, "peer multiaddrs to dial")
		c.Flags().StringVar(&identityPath, "identity", "", "libp2p identity file (empty for ephemeral)")
	}

	runCmd.Flags().BoolVar(&keysStdin, "keys-stdin", false, "read \"<packet-id> <hex-key>\" lines from stdin")

	sendCmd.Flags().StringVar(&targetFlag, "target", "", "target resonance as psi,rho,omega")
	sendCmd.Flags().StringVar(&messageFlag, "message", "", "message body")
	sendCmd.Flags().StringVar(&carrierFlag, "carrier", "raw", "carrier (raw, zero-width, image-lsb, audio)")
	sendCmd.Flags().DurationVar(&settleFlag, "settle", 2*time.Second, "time to wait for connections before sending")
	_ = sendCmd.MarkFlagRequired("target")

	paramsCmd.Flags().StringVar(&senderFlag, "sender", "", "sender resonance as psi,rho,omega")
	paramsCmd.Flags().StringVar(&targetFlag, "target", "", "target resonance as psi,rho,omega")
	paramsCmd.Flags().BoolVar(&ephemeralFlag, "ephemeral", false, "mix in a fresh forward-secrecy key")
	_ = paramsCmd.MarkFlagRequired("sender")
	_ = paramsCmd.MarkFlagRequired("target")
}

// applyNodeFlags folds command-line overrides into the loaded config.
func applyNodeFlags() error {
	if resonanceFlag != "" {
		res, err := parseResonance(resonanceFlag)
		if err != nil {
			return err
		}
		cfg.Node.Resonance = res
	}
	if len(listenAddrs) > 0 {
		cfg.Node.Transport.ListenAddrs = listenAddrs
	}
	if len(peerAddrs) > 0 {
		cfg.Node.Transport.BootstrapPeers = append(cfg.Node.Transport.BootstrapPeers, peerAddrs...)
	}
	if identityPath != "" {
		cfg.Node.Transport.IdentityPath = identityPath
	}
	return nil
}

// startNode brings up a libp2p transport and a node, then dials bootstrap
// peers. Dial failures are logged, not fatal.
func startNode(ctx context.Context) (*node.Node, *network.Libp2pTransport, error) {
	if err := applyNodeFlags(); err != nil {
		return nil, nil, err
	}
	t, err := network.NewLibp2pTransport(ctx, cfg.Node.Transport, logger)
	if err != nil {
		return nil, nil, err
	}
	n, err := node.New(cfg.Node, t, logger)
	if err != nil {
		_ = t.Shutdown()
		return nil, nil, err
	}
	for _, addr := range cfg.Node.Transport.BootstrapPeers {
		dctx, cancel := context.WithTimeout(ctx, cfg.Node.Transport.DialTimeout)
		id, err := n.Dial(dctx, addr)
		cancel()
		if err != nil {
			logger.Warn("Bootstrap dial failed", "addr", addr, "error", err)
			continue
		}
		logger.Info("Connected to peer", "peer", id.Short())
	}
	return n, t, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, t, err := startNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	logger.Info("Node listening", "addrs", t.Addrs(), "resonance", n.Identity().Resonance.String())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-n.Deliveries():
				logger.Info("Transaction received",
					"packet_id", d.PacketID,
					"from", d.From.Short(),
					"sender", d.Transaction.SenderResonance.String(),
					"bytes", len(d.Transaction.Action))
				d.Transaction.Scrub()
			}
		}
	}()

	if keysStdin {
		go readKeys(ctx, cmd.InOrStdin(), n)
	}

	err = n.Run(ctx)
	st := n.Stats()
	logger.Info("Node stopped",
		"delivered", st.Delivered,
		"relayed", st.Relayed,
		"sent", st.Broadcast.PacketsSent,
		"decoys", st.Broadcast.DecoyPackets,
		"rejected", st.Protocol.Rejected)
	return err
}

func sendMessage(cmd *cobra.Command, args []string) error {
	target, err := parseResonance(targetFlag)
	if err != nil {
		return err
	}
	carrier, err := core.ParseCarrierType(carrierFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Node.EnableDecoys = false
	n, _, err := startNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settleFlag):
	}

	res, err := n.Send(ctx, target, []byte(messageFlag), carrier)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "packet %s sent to %s\n", res.PacketID, target)
	if res.EphemeralKey != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "key line: %s %s\n", res.PacketID, hex.EncodeToString(res.EphemeralKey))
		core.Zeroize(res.EphemeralKey)
	}
	return nil
}

// readKeys registers ephemeral keys read from r until ctx is done or r
// closes.
func readKeys(ctx context.Context, r io.Reader, n *node.Node) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, key, err := parseKeyLine(line)
		if err != nil {
			logger.Warn("Ignoring key line", "error", err)
			continue
		}
		if err := n.AddEphemeralKey(id, key); err != nil {
			logger.Warn("Ephemeral key rejected", "packet_id", id, "error", err)
		}
		core.Zeroize(key)
	}
}

// parseKeyLine reads "<packet-id> <hex-key>".
func parseKeyLine(line string) (uuid.UUID, []byte, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return uuid.Nil, nil, fmt.Errorf("want \"<packet-id> <hex-key>\", got %d fields", len(fields))
	}
	id, err := uuid.Parse(fields[0])
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("packet id: %w", err)
	}
	key, err := hex.DecodeString(fields[1])
	if err != nil || len(key) == 0 {
		return uuid.Nil, nil, errors.New("key: want non-empty hex")
	}
	return id, key, nil
}

func printParams(cmd *cobra.Command, args []string) error {
	sender, err := parseResonance(senderFlag)
	if err != nil {
		return err
	}
	target, err := parseResonance(targetFlag)
	if err != nil {
		return err
	}
	p, err := masking.FromResonance(sender, target)
	if err != nil {
		return err
	}
	if ephemeralFlag {
		if p, err = p.WithEphemeralKey(rand.Reader); err != nil {
			return err
		}
	}

	out := struct {
		Theta        float64 `json:"theta"`
		Sigma        string  `json:"sigma"`
		EphemeralKey string  `json:"ephemeral_key,omitempty"`
	}{
		Theta:        p.Theta,
		Sigma:        hex.EncodeToString(p.Sigma[:]),
		EphemeralKey: hex.EncodeToString(p.EphemeralKey),
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
