package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/spslink"
	"github.com/srg/spslink/internal/atcmd"
	"github.com/srg/spslink/internal/modsim"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose an SPS channel as a PTY",
	Long: `Creates a bidirectional PTY (pseudoterminal) bridge to an SPS channel,
allowing applications that expect a serial port to talk over the Serial Port
Service data link. Data written to the PTY is sent on the channel, and data
received on the channel is written to the PTY.

The channel runs against the built-in module simulator; the simulated peer
echoes every byte back, so the PTY behaves like a serial loopback.

Example:
  spslink bridge
  spslink bridge --symlink /tmp/sps-device`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

var (
	bridgePeerAddress string
	bridgeSymlink     string
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgePeerAddress, "peer", "01:23:45:67:89:AB", "Peer address the simulator reports")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/sps-device)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()
	cmd.SilenceUsage = true

	sim := modsim.New(logger)
	defer sim.Close()

	at := atcmd.NewLineClient(sim.HostTransport(), &atcmd.Options{
		CommandTimeout: cfg.CommandTimeout,
		Logger:         logger,
	})
	defer at.Close()

	manager := spslink.New(&spslink.Options{
		MaxConnections:     cfg.MaxConnections,
		RxBufferSize:       cfg.RxBufferSize,
		DefaultSendTimeout: cfg.SendTimeout,
		Logger:             logger,
	})
	defer manager.Close()

	handle, err := manager.AddInstance(at, sim.HostStream(), spslink.ModeEDM)
	if err != nil {
		return err
	}

	events := make(chan spslink.ConnectionEvent, 4)
	if err := manager.SetConnectionStatusCallback(handle, func(ev spslink.ConnectionEvent) {
		events <- ev
	}); err != nil {
		return err
	}

	// The simulated peer loops every frame straight back.
	peer := sim.PeerStream()
	if err := peer.SetDataCallback(func(channel int, data []byte) {
		if _, err := peer.Write(channel, data, time.Second); err != nil {
			logger.WithError(err).Warn("peer loopback failed")
		}
	}); err != nil {
		return err
	}

	connHandle, err := manager.ConnectSps(handle, bridgePeerAddress)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var ev spslink.ConnectionEvent
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("no connection event from the simulator")
	}
	if ev.Type != spslink.Connected {
		return fmt.Errorf("unexpected %s event", ev.Type)
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	if bridgeSymlink != "" {
		_ = os.Remove(bridgeSymlink)
		if err := os.Symlink(tty.Name(), bridgeSymlink); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}
		defer os.Remove(bridgeSymlink)
	}

	// Channel to PTY.
	if err := manager.SetDataAvailableCallback(handle, func(channel int) {
		buf := make([]byte, cfg.RxBufferSize)
		n, err := manager.Receive(handle, channel, buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := ptmx.Write(buf[:n]); err != nil {
			logger.WithError(err).Warn("PTY write failed")
		}
	}); err != nil {
		return err
	}

	// PTY to channel.
	ptyErr := make(chan error, 1)
	go func() {
		buf := make([]byte, ev.MTU)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				if _, serr := manager.Send(handle, ev.Channel, buf[:n]); serr != nil {
					logger.WithError(serr).Warn("send failed")
				}
			}
			if err != nil {
				ptyErr <- err
				return
			}
		}
	}()

	color.Green("bridge running: %s <-> channel %d (peer %s)", tty.Name(), ev.Channel, ev.PeerAddress)
	if bridgeSymlink != "" {
		fmt.Printf("symlink: %s\n", bridgeSymlink)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println()
	case err := <-ptyErr:
		if err != nil && !errors.Is(err, io.EOF) {
			logger.WithError(err).Warn("PTY reader stopped")
		}
	}

	return disconnectAndReport(manager, handle, connHandle, events)
}
