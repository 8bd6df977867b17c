package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/moffa90/go-anchordfu/dfu"
	"github.com/moffa90/go-anchordfu/firmware"
	"github.com/moffa90/go-anchordfu/protocol"
	"github.com/moffa90/go-anchordfu/transport"
	"github.com/moffa90/go-anchordfu/trigger"
)

func newUpdateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Send a firmware or config image to one anchor",
		Example: `  anchordfu update --device-id 3 --image build/anchor_app.hex
  anchordfu update --device-id 3 --image Config_Images/a3.bin --config-data --skip-trigger`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdate(cmd, v)
		},
	}

	f := cmd.Flags()
	f.Int("device-id", -1, "anchor id to update (required)")
	f.String("image", "", "image file, .bin or .hex (required)")
	f.Bool("config-data", false, "image is config data rather than application code")
	f.Bool("skip-trigger", false, "the anchor is already in its bootloader; do not publish a trigger")
	f.String("broker", "192.168.8.2", "MQTT broker host for the trigger")
	f.Int("broker-port", trigger.DefaultBrokerPort, "MQTT broker port")
	f.String("broker-user", "", "MQTT username")
	f.String("broker-password", "", "MQTT password")
	f.String("listen", transport.DefaultAddr, "address to accept the bootloader connection on")
	f.Duration("accept-timeout", dfu.DefaultAcceptTimeout, "time allowed for the anchor to connect")
	f.Duration("ready-timeout", dfu.DefaultReadyTimeout, "time allowed for Ready after connecting")
	f.Duration("begin-timeout", dfu.DefaultBeginTimeout, "time allowed for the flash erase before Begin")
	f.Duration("ack-timeout", dfu.DefaultAckTimeout, "time allowed for each chunk acknowledgement")
	f.Duration("confirm-timeout", dfu.DefaultConfirmTimeout, "time allowed for the final Confirm")
	f.Int("retries", dfu.DefaultRetries, "resends allowed per chunk")
	f.Duration("retry-delay", 0, "pause before each resend")
	f.Duration("drain-timeout", dfu.DefaultDrainTimeout, "time to wait for a late acknowledgement before resending")
	f.Bool("no-progress", false, "disable the progress bar")

	return cmd
}

func runUpdate(cmd *cobra.Command, v *viper.Viper) error {
	id, err := deviceID(v.GetInt("device-id"))
	if err != nil {
		return err
	}
	path := v.GetString("image")
	if path == "" {
		return fmt.Errorf("--image is required")
	}

	kind := protocol.UpdateAppCode
	if v.GetBool("config-data") {
		kind = protocol.UpdateConfigData
	}

	img, err := firmware.Load(path, kind)
	if err != nil {
		return err
	}
	slog.Info("loaded image",
		"path", path,
		"kind", kind.String(),
		"payload", img.PayloadLen(),
		"padded", img.Len(),
		"crc", fmt.Sprintf("0x%08X", img.Checksum()),
	)

	ctx := cmd.Context()
	ln, err := transport.Listen(ctx, v.GetString("listen"))
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()
	slog.Info("waiting for anchor", "addr", ln.Addr().String())

	var notifier trigger.Notifier = trigger.Nop{}
	if !v.GetBool("skip-trigger") {
		var mqOpts []trigger.MQTTOption
		if user := v.GetString("broker-user"); user != "" {
			mqOpts = append(mqOpts, trigger.WithCredentials(user, v.GetString("broker-password")))
		}
		mq := trigger.NewMQTT(v.GetString("broker"), v.GetInt("broker-port"), mqOpts...)
		defer func() { _ = mq.Close() }()
		notifier = mq
	}

	opts := []dfu.Option{
		dfu.WithLogger(slog.Default()),
		dfu.WithSkipTrigger(v.GetBool("skip-trigger")),
		dfu.WithAcceptTimeout(v.GetDuration("accept-timeout")),
		dfu.WithReadyTimeout(v.GetDuration("ready-timeout")),
		dfu.WithBeginTimeout(v.GetDuration("begin-timeout")),
		dfu.WithAckTimeout(v.GetDuration("ack-timeout")),
		dfu.WithConfirmTimeout(v.GetDuration("confirm-timeout")),
		dfu.WithRetries(v.GetInt("retries")),
		dfu.WithRetryDelay(v.GetDuration("retry-delay")),
		dfu.WithDrainTimeout(v.GetDuration("drain-timeout")),
	}
	if !v.GetBool("no-progress") {
		bar := newTransferBar(img.Len())
		opts = append(opts, dfu.WithProgressCallback(bar.update))
	}

	res, err := dfu.New(dfu.ListenerAcceptor(ln), notifier, opts...).Run(ctx, id, img)
	fmt.Fprintf(os.Stderr, "\nsession %s: %s after %v (%d chunks, %d retries)\n",
		res.SessionID, res.State, res.Elapsed.Round(time.Millisecond), res.Chunks, res.Retries)
	return err
}

// transferBar renders dfu progress as a byte-counting bar.
type transferBar struct {
	bar *progressbar.ProgressBar
}

func newTransferBar(total int) *transferBar {
	return &transferBar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(dfu.StateIdle.String()),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetPredictTime(true),
		),
	}
}

func (t *transferBar) update(p dfu.Progress) {
	t.bar.Describe(p.State.String())
	_ = t.bar.Set(p.BytesSent)
	if p.State == dfu.StateCommitted {
		_ = t.bar.Finish()
	}
}

func deviceID(n int) (uint8, error) {
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("--device-id must be 0..255, got %d", n)
	}
	return uint8(n), nil
}
