package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"safely/config"
	"safely/pairing"
	"safely/storage"
)

func codeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "code",
		Short: "Print a fresh pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := pairing.GenerateCode()
			if err != nil {
				return err
			}
			fmt.Println(code)
			return nil
		},
	}
}

func journalCmd() *cobra.Command {
	var (
		limit     int
		eventType string
		devices   bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print recent pairing events recorded by the desktop",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := config.ResolveDataDir()
			if err != nil {
				return err
			}
			store, dbPath, err := storage.Open(config.RoleDir(dataDir, config.RoleDesktop))
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer store.Close()
			fmt.Printf("Journal File:    %s\n\n", dbPath)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer w.Flush()

			if devices {
				known, err := store.ListKnownDevices()
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "KEY\tNAME\tPLATFORM\tPAIRED\tLAST SEEN")
				for _, d := range known {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.DeviceKey, d.Name, d.Platform, d.PairCount, formatMillis(d.LastSeen))
				}
				return nil
			}

			events, err := store.GetPairingEvents(storage.PairingEventFilter{EventType: eventType, Limit: limit})
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TIME\tEVENT\tSEVERITY\tDEVICE\tDETAILS")
			for _, e := range events {
				device := "-"
				if e.DeviceKey != nil {
					device = *e.DeviceKey
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatMillis(e.Timestamp), e.EventType, e.Severity, device, e.Details)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVar(&eventType, "type", "", "only show one event type (e.g. pairing_rejected)")
	cmd.Flags().BoolVar(&devices, "devices", false, "list known devices instead of events")
	return cmd
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}
