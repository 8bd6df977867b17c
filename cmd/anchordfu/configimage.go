package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/moffa90/go-anchordfu/provision"
)

func newConfigImageCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config-image",
		Short: "Write config-data images for anchors",
		Long: `Writes a<N>.bin and a<N>.hex for each anchor id. The hex file is placed
at the config-data flash address; both can be sent with "update --config-data".`,
		Example: `  anchordfu config-image --device-id 0,1,2,3,4 --out Config_Images`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigImage(v)
		},
	}

	f := cmd.Flags()
	f.IntSlice("device-id", []int{0, 1, 2, 3, 4}, "anchor ids to generate")
	f.String("out", "Config_Images", "output directory")
	f.String("hostname", provision.DefaultHostname, "primary server hostname")
	f.String("server-ip", "192.168.8.2", "primary server IPv4 address")
	f.Int("server-port", provision.DefaultBrokerPort, "primary server port")
	f.Bool("dhcp", true, "use DHCP; the static address is a fallback")
	f.Duration("recv-timeout", provision.DefaultRecvTimeout, "anchor socket receive timeout")

	return cmd
}

func runConfigImage(v *viper.Viper) error {
	ip, err := parseIPv4(v.GetString("server-ip"))
	if err != nil {
		return fmt.Errorf("--server-ip: %w", err)
	}
	port := v.GetInt("server-port")
	if port <= 0 || port > 65535 {
		return fmt.Errorf("--server-port must be 1..65535, got %d", port)
	}

	ids := v.GetIntSlice("device-id")
	if len(ids) == 0 {
		return fmt.Errorf("--device-id: no anchor ids given")
	}

	out := v.GetString("out")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	for _, n := range ids {
		if n < 0 || n > provision.MaxAnchorID {
			return fmt.Errorf("--device-id must be 0..%d, got %d", provision.MaxAnchorID, n)
		}

		p := provision.DefaultParams(uint8(n))
		p.DHCP = v.GetBool("dhcp")
		p.RecvTimeout = v.GetDuration("recv-timeout")
		p.Servers[0] = provision.Server{
			Hostname: v.GetString("hostname"),
			IP:       ip,
			Port:     uint16(port),
		}

		a, err := provision.WriteArtifacts(out, p)
		if err != nil {
			return err
		}
		slog.Info("generated config image", "anchor", n, "bin", a.Binary, "hex", a.Hex)
	}
	return nil
}

func parseIPv4(s string) ([4]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return [4]byte{}, err
	}
	if !addr.Is4() {
		return [4]byte{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr.As4(), nil
}
