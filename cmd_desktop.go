package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"safely/agent"
	"safely/config"
	"safely/discovery"
	"safely/storage"
)

func desktopCmd(configPath *string) *cobra.Command {
	var (
		discover   bool
		pairDevice string
		pairCode   string
	)

	cmd := &cobra.Command{
		Use:   "desktop",
		Short: "Display a pairing code and show sounds relayed by a paired phone",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roleDir, err := loadConfig(config.RoleDesktop, *configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			printIdentity(cfg, roleDir)

			opts := agent.DesktopOptions{
				Device:            cfg.Descriptor(),
				BroadcastListen:   listenAddr(cfg.BroadcastPort),
				PushListen:        listenAddr(cfg.PushPort),
				HTTPListen:        listenAddr(cfg.HTTPPort),
				DisableBroadcast:  !cfg.TransportEnabled(config.TransportBroadcast),
				DisablePush:       !cfg.TransportEnabled(config.TransportPush),
				DisableHTTP:       !cfg.TransportEnabled(config.TransportHTTP),
				ConnectTimeout:    cfg.ConnectTimeout.Std(),
				AttemptsPerMinute: cfg.AttemptsPerMinute,
				FeedCapacity:      cfg.FeedCapacity,
				PersistAlerts:     cfg.PersistAlerts,
				Logger:            logger,
			}
			if cfg.EnableMDNS {
				opts.MDNS = &discovery.Config{}
			}

			if cfg.Journal() {
				store, dbPath, err := storage.Open(roleDir)
				if err != nil {
					return fmt.Errorf("open journal: %w", err)
				}
				defer func() {
					if err := store.Close(); err != nil {
						log.Printf("journal close error: %v", err)
					}
				}()
				opts.Journal = store
				fmt.Printf("Journal File:    %s\n", dbPath)
			}

			desktop, err := agent.NewDesktop(opts)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if err := desktop.Start(ctx); err != nil {
				return err
			}
			defer desktop.Stop()

			fmt.Printf("Pairing Code:    %s\n", desktop.Code())
			if addr := desktop.HTTPAddr(); addr != nil {
				fmt.Printf("HTTP Endpoint:   %s\n", addr)
			}
			if addr := desktop.PushAddr(); addr != nil {
				fmt.Printf("Push Endpoint:   %s\n", addr)
			}
			if addr := desktop.BroadcastAddr(); addr != nil {
				fmt.Printf("Broadcast:       %s\n", addr)
			}

			if discover || pairDevice != "" {
				if err := desktop.StartDiscovery(cfg.DiscoveryInterval.Std()); err != nil {
					return err
				}
				fmt.Println("Discovery:       running")
			}
			go printDesktopEvents(desktop.Events())

			if pairDevice != "" {
				go func() {
					if err := desktop.RequestPairing(ctx, pairDevice, pairCode); err != nil {
						log.Printf("pairing with %s failed: %v", pairDevice, err)
					}
				}()
			}

			fmt.Println("Status:          running (press Ctrl+C to stop)")
			<-ctx.Done()
			fmt.Println("Status:          shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&discover, "discover", false, "broadcast discovery requests and list phones on the LAN")
	cmd.Flags().StringVar(&pairDevice, "pair-device", "", "address:port of a discovered phone to pair with")
	cmd.Flags().StringVar(&pairCode, "code", "", "code shown on the phone, used with --pair-device")
	return cmd
}

func printDesktopEvents(events <-chan agent.Event) {
	for event := range events {
		switch event.Type {
		case agent.EventStateChanged:
			log.Printf("pairing: %s -> %s (%s)", event.Transition.From, event.Transition.To, event.Transition.Reason)
		case agent.EventDeviceDiscovered:
			log.Printf("discovery: device available %s key=%s", event.Device.DisplayName(), event.Device.Key())
		case agent.EventDeviceLost:
			log.Printf("discovery: device gone key=%s", event.Device.Key())
		case agent.EventSoundReceived:
			prefix := "sound"
			if event.Sound.IsCritical {
				prefix = "ALERT"
			}
			log.Printf("%s: %s (%.0f%%)", prefix, event.Sound.SoundType, event.Sound.Confidence*100)
		case agent.EventPairingFailed:
			log.Printf("pairing: refused: %s", event.Message)
		default:
			log.Printf("event: %s %s", event.Type, event.Message)
		}
	}
}

func listenAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

// signalContext is shared by the long-running commands.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
