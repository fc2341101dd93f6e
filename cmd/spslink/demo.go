package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/spslink"
	"github.com/srg/spslink/internal/atcmd"
	"github.com/srg/spslink/internal/modsim"
)

// demoCmd represents the demo command
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Interactive SPS chat against the built-in module simulator",
	Long: `Starts the module simulator, connects an SPS channel through the full
stack (AT command client, connection correlation, buffered delivery) and runs
an interactive chat: lines typed on stdin are sent over the channel, the
simulated peer echoes them back uppercased.

Example:
  spslink demo
  spslink demo --peer 01:23:45:67:89:AB --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

var demoPeerAddress string

func init() {
	demoCmd.Flags().StringVar(&demoPeerAddress, "peer", "01:23:45:67:89:AB", "Peer address the simulator reports")
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()
	cmd.SilenceUsage = true

	color.NoColor = color.NoColor || !term.IsTerminal(int(os.Stdout.Fd()))

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

	// The simulated peer echoes every frame back uppercased.
	peer := sim.PeerStream()
	if err := peer.SetDataCallback(func(channel int, data []byte) {
		if _, err := peer.Write(channel, bytes.ToUpper(data), time.Second); err != nil {
			logger.WithError(err).Warn("peer echo failed")
		}
	}); err != nil {
		return err
	}

	connHandle, err := manager.ConnectSps(handle, demoPeerAddress)
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
	color.Green("connected: handle=%d channel=%d peer=%s mtu=%d", ev.ConnHandle, ev.Channel, ev.PeerAddress, ev.MTU)

	if err := manager.SetDataAvailableCallback(handle, func(channel int) {
		buf := make([]byte, cfg.RxBufferSize)
		n, err := manager.Receive(handle, channel, buf)
		if err != nil || n == 0 {
			return
		}
		fmt.Printf("%s %s\n", color.CyanString("peer>"), string(buf[:n]))
	}); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("type lines to send, Ctrl+C or EOF to quit")
	for {
		select {
		case <-sigChan:
			fmt.Println()
			return disconnectAndReport(manager, handle, connHandle, events)
		case line, ok := <-lines:
			if !ok {
				return disconnectAndReport(manager, handle, connHandle, events)
			}
			if line == "" {
				continue
			}
			if _, err := manager.Send(handle, ev.Channel, []byte(line)); err != nil {
				color.Red("send failed: %s", err)
			}
		}
	}
}

func disconnectAndReport(manager *spslink.Manager, handle, connHandle int, events chan spslink.ConnectionEvent) error {
	if err := manager.Disconnect(handle, connHandle); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	select {
	case ev := <-events:
		color.Yellow("disconnected: handle=%d channel=%d", ev.ConnHandle, ev.Channel)
	case <-time.After(2 * time.Second):
		color.Red("no disconnect event from the simulator")
	}
	return nil
}
