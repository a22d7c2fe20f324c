package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"safely/agent"
	"safely/config"
	"safely/discovery"
	"safely/network"
	"safely/relay"
)

func mobileCmd(configPath *string) *cobra.Command {
	var (
		pairHTTP  []string
		pairWS    string
		pairUDP   string
		code      string
		mdnsWait  time.Duration
		detection float64
	)

	cmd := &cobra.Command{
		Use:   "mobile",
		Short: "Pair with a desktop and relay detected sounds to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, roleDir, err := loadConfig(config.RoleMobile, *configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			printIdentity(cfg, roleDir)

			opts := agent.MobileOptions{
				Device:            cfg.Descriptor(),
				BroadcastListen:   listenAddr(cfg.BroadcastPort),
				DisableBroadcast:  !cfg.TransportEnabled(config.TransportBroadcast),
				AdvertiseInterval: cfg.AdvertiseInterval.Std(),
				ConnectTimeout:    cfg.ConnectTimeout.Std(),
				AttemptsPerMinute: cfg.AttemptsPerMinute,
				Source:            relay.TickerSource{},
				Classifier:        relay.NewSimulatedClassifier(time.Now().UnixNano(), detection),
				Permission:        relay.AlwaysGranted,
				RelayMinInterval:  cfg.RelayMinInterval.Std(),
				Logger:            logger,
			}
			if cfg.EnableMDNS {
				opts.MDNS = &discovery.Config{}
			}

			mobile, err := agent.NewMobile(opts)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if err := mobile.Start(ctx); err != nil {
				return err
			}
			defer mobile.Stop()

			fmt.Printf("Own Code:        %s\n", mobile.Code())
			if addr := mobile.BroadcastAddr(); addr != nil {
				fmt.Printf("Broadcast:       %s\n", addr)
			}
			go printMobileEvents(mobile.Events())

			if code != "" {
				if err := pairMobile(ctx, mobile, cfg, pairHTTP, pairWS, pairUDP, code, mdnsWait); err != nil {
					return err
				}
				fmt.Println("Status:          paired, relaying sounds")
			} else {
				fmt.Println("Status:          waiting for a desktop to request pairing")
			}

			fmt.Println("Status:          running (press Ctrl+C to stop)")
			<-ctx.Done()
			fmt.Println("Status:          shutting down")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&pairHTTP, "pair-http", nil, "desktop HTTP address(es) to submit the code to, tried in order")
	cmd.Flags().StringVar(&pairWS, "pair-ws", "", "desktop push URL (ws://host:8080/ws) to submit the code over")
	cmd.Flags().StringVar(&pairUDP, "pair-udp", "", "desktop UDP address (host:41234) to submit the code to")
	cmd.Flags().StringVar(&code, "code", "", "code displayed on the desktop")
	cmd.Flags().DurationVar(&mdnsWait, "mdns-wait", 10*time.Second, "how long to browse mDNS when no address is given")
	cmd.Flags().Float64Var(&detection, "detection-rate", relay.DefaultDetectionProbability, "per-frame probability the simulated detector reports a sound")
	return cmd
}

// pairMobile submits code over the first configured route. With no explicit
// target, it looks the desktop up over mDNS and uses its HTTP endpoint.
func pairMobile(ctx context.Context, mobile *agent.Mobile, cfg *config.AgentConfig, httpAddrs []string, wsURL, udpAddr, code string, mdnsWait time.Duration) error {
	switch {
	case wsURL != "":
		return mobile.PairPush(ctx, wsURL, code)
	case len(httpAddrs) > 0:
		return mobile.PairHTTP(ctx, httpAddrs, code)
	case udpAddr != "":
		return mobile.PairBroadcast(ctx, udpAddr, code)
	}

	if !cfg.EnableMDNS {
		return errors.New("no desktop address given: use --pair-http, --pair-ws, --pair-udp, or enable mDNS")
	}
	waitCtx, cancel := context.WithTimeout(ctx, mdnsWait)
	defer cancel()
	desktop, err := mobile.WaitForDesktop(waitCtx)
	if err != nil {
		return fmt.Errorf("find desktop over mDNS: %w", err)
	}
	fmt.Printf("Desktop:         %s %v\n", desktop.DeviceName, desktop.Addresses)

	if cfg.TransportEnabled(config.TransportPush) {
		if url := desktop.PushURL(network.DefaultPushPath); url != "" {
			return mobile.PairPush(ctx, url, code)
		}
	}
	return mobile.PairHTTP(ctx, desktop.HTTPCandidates(), code)
}

func printMobileEvents(events <-chan agent.Event) {
	for event := range events {
		switch event.Type {
		case agent.EventStateChanged:
			log.Printf("pairing: %s -> %s (%s)", event.Transition.From, event.Transition.To, event.Transition.Reason)
		case agent.EventPairingFailed:
			log.Printf("pairing: refused: %s", event.Message)
		case agent.EventDeviceDiscovered:
			log.Printf("discovery: desktop available %s at %s", event.Device.DisplayName(), event.Device.Key())
		case agent.EventDeviceLost:
			log.Printf("discovery: desktop gone %s", event.Device.DisplayName())
		case agent.EventPermissionDenied:
			log.Printf("microphone: %s", event.Message)
		default:
			log.Printf("event: %s %s", event.Type, event.Message)
		}
	}
}
