package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mihomo-helper/internal/dnsconf"
	"mihomo-helper/internal/execx"
	"mihomo-helper/internal/ports"
	"mihomo-helper/internal/probe"
	"mihomo-helper/internal/protocol"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and daemon versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("helperctl %s\n", version)
			v, err := client.Version(cmd.Context())
			if err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			fmt.Printf("daemon   %s\n", v)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's composite status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("version:       %s\n", st.Version)
			fmt.Printf("state:         %s\n", st.State)
			if st.LastError != "" {
				fmt.Printf("last error:    %s\n", st.LastError)
			}
			fmt.Printf("uptime:        %ds\n", st.UptimeSeconds)
			if st.Engine != nil {
				fmt.Printf("engine:        running (pid=%d, started=%s)\n",
					st.Engine.PID, st.Engine.StartedAt.Format("15:04:05"))
				fmt.Printf("  binary:      %s\n", st.Engine.BinaryPath)
				fmt.Printf("  config:      %s\n", st.Engine.ConfigPath)
				fmt.Printf("  control:     %s\n", st.Engine.ControlAddr)
			} else {
				fmt.Printf("engine:        stopped\n")
			}
			fmt.Printf("system proxy:  %v\n", st.SystemProxy)
			if st.DNS != nil {
				fmt.Printf("dns:           %s (hijack=%v)\n", strings.Join(st.DNS.Servers, ", "), st.DNS.Hijack)
			} else {
				fmt.Printf("dns:           system default\n")
			}
			if st.TUN.Active {
				fmt.Printf("tun:           active on %s (%s)\n", st.TUN.Interface, st.TUN.Method)
			} else {
				fmt.Printf("tun:           inactive\n")
			}
			return nil
		},
	}
}

func engineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Control the proxy engine subprocess",
	}

	var binaryPath, configPath, configFile string
	start := &cobra.Command{
		Use:   "start",
		Short: "Launch the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := protocol.EngineParams{BinaryPath: binaryPath, ConfigPath: configPath}
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return fmt.Errorf("read config content: %w", err)
				}
				params.ConfigContent = data
			}
			rec, err := client.StartEngine(cmd.Context(), params)
			if err != nil {
				return err
			}
			fmt.Printf("engine started: pid=%d control=%s\n", rec.PID, rec.ControlAddr)
			return nil
		},
	}
	start.Flags().StringVar(&binaryPath, "binary", "", "Engine binary path")
	start.Flags().StringVar(&configPath, "config", "", "Engine config path on disk")
	start.Flags().StringVar(&configFile, "config-content", "", "Local file whose content the daemon writes to the config path before launch")
	start.MarkFlagRequired("config")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.StopEngine(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("engine stopped")
			return nil
		},
	}

	restart := &cobra.Command{
		Use:   "restart",
		Short: "Restart the engine with its last launch parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := client.RestartEngine(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("engine restarted: pid=%d\n", rec.PID)
			return nil
		},
	}

	cmd.AddCommand(start, stop, restart)
	return cmd
}

func proxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Control OS proxy settings",
	}

	var httpPort, socksPort int
	var pacURL string
	var bypass []string
	on := &cobra.Command{
		Use:   "on",
		Short: "Point OS proxy settings at the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := client.EnableSystemProxy(cmd.Context(), protocol.ProxyParams{
				HTTPPort:  httpPort,
				SOCKSPort: socksPort,
				PACURL:    pacURL,
				Bypass:    bypass,
			})
			if err != nil {
				return err
			}
			fmt.Println("system proxy enabled")
			return nil
		},
	}
	on.Flags().IntVar(&httpPort, "http-port", 0, "Local HTTP proxy port")
	on.Flags().IntVar(&socksPort, "socks-port", 0, "Local SOCKS proxy port")
	on.Flags().StringVar(&pacURL, "pac", "", "PAC URL (overrides ports)")
	on.Flags().StringSliceVar(&bypass, "bypass", nil, "Bypass domains/networks")

	off := &cobra.Command{
		Use:   "off",
		Short: "Restore previous OS proxy settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.DisableSystemProxy(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("system proxy disabled")
			return nil
		},
	}

	var expectHTTP, expectSOCKS int
	var strict bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Read live OS proxy settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			var expected *protocol.ProxyParams
			if expectHTTP != 0 || expectSOCKS != 0 {
				expected = &protocol.ProxyParams{HTTPPort: expectHTTP, SOCKSPort: expectSOCKS, Strict: strict}
			}
			st, err := client.SystemProxyStatus(cmd.Context(), expected)
			if err != nil {
				return err
			}
			fmt.Printf("enabled: %v\n", st.Enabled)
			if st.HTTPPort != 0 {
				fmt.Printf("http:    %s:%d\n", st.HTTPHost, st.HTTPPort)
			}
			if st.SOCKSPort != 0 {
				fmt.Printf("socks:   %s:%d\n", st.SOCKSHost, st.SOCKSPort)
			}
			if st.PACURL != "" {
				fmt.Printf("pac:     %s\n", st.PACURL)
			}
			if len(st.Bypass) > 0 {
				fmt.Printf("bypass:  %s\n", strings.Join(st.Bypass, ", "))
			}
			if st.MatchesExpected != nil {
				fmt.Printf("matches: %v\n", *st.MatchesExpected)
			}
			return nil
		},
	}
	status.Flags().IntVar(&expectHTTP, "expect-http", 0, "Expected HTTP port for drift detection")
	status.Flags().IntVar(&expectSOCKS, "expect-socks", 0, "Expected SOCKS port for drift detection")
	status.Flags().BoolVar(&strict, "strict", false, "Require exact PAC and bypass equality")

	cmd.AddCommand(on, off, status)
	return cmd
}

func dnsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dns",
		Short: "Control system DNS resolvers",
	}

	var hijack bool
	set := &cobra.Command{
		Use:   "set <server>...",
		Short: "Set system resolvers on every network service",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := client.ConfigureDNS(cmd.Context(), protocol.DNSParams{Servers: args, Hijack: hijack})
			if err != nil {
				return err
			}
			fmt.Printf("dns set to %s\n", strings.Join(args, ", "))
			return nil
		},
	}
	set.Flags().BoolVar(&hijack, "hijack", false, "Mark the resolvers as engine-hijacked")

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Flush OS resolver caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.FlushDNSCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("dns cache flushed")
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify <server>",
		Short: "Check that a resolver actually answers queries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := dnsconf.Verify(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("resolver %s: %w", args[0], err)
			}
			fmt.Printf("resolver %s answers\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, flush, verify)
	return cmd
}

func tunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tun",
		Short: "Control the TUN interception stack",
	}

	var dnsServer string
	up := &cobra.Command{
		Use:   "up",
		Short: "Bring up the tunnel interface, routes and packet filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.EnableTUN(cmd.Context(), protocol.TUNParams{DNSServer: dnsServer})
			if err != nil {
				return err
			}
			fmt.Printf("tun active on %s\n", st.Interface)
			return nil
		},
	}
	up.Flags().StringVar(&dnsServer, "dns-server", "", "Fake DNS server address routed through the tunnel")
	up.MarkFlagRequired("dns-server")

	down := &cobra.Command{
		Use:   "down",
		Short: "Tear the tunnel stack down",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.DisableTUN(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("tun disabled")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show tunnel state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.TUNStatus(cmd.Context())
			if err != nil {
				return err
			}
			if st.Active {
				fmt.Printf("active on %s (%s)\n", st.Interface, st.Method)
			} else {
				fmt.Println("inactive")
			}
			return nil
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func portsCmd() *cobra.Command {
	var direct bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List local TCP listening ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []int
			var err error
			if direct {
				list, err = ports.NewScanner(execx.New(0)).Used(cmd.Context())
			} else {
				list, err = client.UsedPorts(cmd.Context())
			}
			if err != nil {
				return err
			}
			for _, p := range list {
				fmt.Println(p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "Scan locally instead of asking the daemon")
	return cmd
}

func probeCmd() *cobra.Command {
	var socksPort int
	var url string
	var direct bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Test connectivity through the engine's SOCKS listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := protocol.ProbeParams{SOCKSPort: socksPort, URL: url}
			var res *protocol.ProbeResult
			if direct {
				r, err := probe.New().Test(cmd.Context(), params)
				if err != nil {
					return err
				}
				res = &r
			} else {
				r, err := client.TestConnectivity(cmd.Context(), params)
				if err != nil {
					return err
				}
				res = r
			}
			if res.Reachable {
				fmt.Printf("reachable (%dms)\n", res.LatencyMS)
			} else {
				fmt.Println("unreachable")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&socksPort, "socks-port", 0, "Local SOCKS proxy port")
	cmd.Flags().StringVar(&url, "url", "", "Probe URL (default is a 204 endpoint)")
	cmd.MarkFlagRequired("socks-port")
	cmd.Flags().BoolVar(&direct, "direct", false, "Probe from this process instead of asking the daemon")
	return cmd
}
