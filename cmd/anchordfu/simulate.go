package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/moffa90/go-anchordfu/dfutest"
)

func newSimulateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated anchor bootloader against a host",
		Example: `  anchordfu simulate --addr 127.0.0.1:6900
  anchordfu simulate --drop-ack 4:2 --nack 7:1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			faults, err := faultsFromConfig(v)
			if err != nil {
				return err
			}
			dev := dfutest.NewDevice(
				dfutest.WithFaults(faults),
				dfutest.WithTimeout(v.GetDuration("timeout")),
				dfutest.WithLogger(slog.Default()),
			)

			addr := v.GetString("addr")
			slog.Info("simulated anchor dialing", "addr", addr)
			if err := dev.Dial(cmd.Context(), addr); err != nil {
				return err
			}

			r := dev.Report()
			slog.Info("session finished",
				"chunks_received", r.Received,
				"committed", r.Committed,
				"crc", fmt.Sprintf("0x%08X", r.Metadata.ImageChecksum),
			)
			return nil
		},
	}

	f := cmd.Flags()
	f.String("addr", "127.0.0.1:6900", "host DFU address to dial")
	f.Duration("timeout", dfutest.DefaultTimeout, "device-side read timeout")
	f.Bool("reject", false, "answer Confirm with failure")
	f.Bool("wrong-kind", false, "answer Metadata with Ready")
	f.Bool("stall", false, "go silent after Metadata")
	f.StringSlice("drop-ack", nil, "drop acks as CHUNK:COUNT")
	f.StringSlice("nack", nil, "nack chunks as CHUNK:COUNT")

	return cmd
}

func faultsFromConfig(v *viper.Viper) (dfutest.Faults, error) {
	drop, err := parseCounts(v.GetStringSlice("drop-ack"))
	if err != nil {
		return dfutest.Faults{}, fmt.Errorf("--drop-ack: %w", err)
	}
	nack, err := parseCounts(v.GetStringSlice("nack"))
	if err != nil {
		return dfutest.Faults{}, fmt.Errorf("--nack: %w", err)
	}
	return dfutest.Faults{
		DropAck:   drop,
		Nack:      nack,
		Reject:    v.GetBool("reject"),
		WrongKind: v.GetBool("wrong-kind"),
		Stall:     v.GetBool("stall"),
	}, nil
}

// parseCounts turns "4:2" entries into chunk -> count.
func parseCounts(specs []string) (map[uint32]int, error) {
	out := make(map[uint32]int, len(specs))
	for _, s := range specs {
		idx, cnt, ok := strings.Cut(s, ":")
		if !ok {
			cnt = "1"
		}
		i, err := strconv.ParseUint(strings.TrimSpace(idx), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad chunk in %q: %w", s, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(cnt))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad count in %q", s)
		}
		out[uint32(i)] += n
	}
	return out, nil
}
