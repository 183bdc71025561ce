package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/verifyd/internal/clock/system"
	"github.com/JakeFAU/verifyd/internal/config"
	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/proxy"
	"github.com/JakeFAU/verifyd/internal/proxy/collyprobe"
	"github.com/JakeFAU/verifyd/internal/server"
)

func newProxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Inspect the configured proxy pool",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Probe every configured proxy once and print the verdicts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			prober, err := collyprobe.New(collyprobe.Config{
				URL:       cfg.Proxy.ProbeURL,
				UserAgent: cfg.Proxy.UserAgent,
				Timeout:   cfg.Proxy.ProbeTimeout,
			})
			if err != nil {
				return err
			}
			results, err := checkProxies(cmd, cfg.Proxy, prober)
			if err != nil {
				return err
			}
			healthy := writeProbeResults(cmd.OutOrStdout(), results)
			if healthy == 0 {
				return fmt.Errorf("no proxy passed its probe")
			}
			return nil
		},
	})
	return cmd
}

func checkProxies(cmd *cobra.Command, cfg config.ProxyConfig, prober proxy.Prober) ([]proxy.ProbeResult, error) {
	addrs, err := server.ProxyAddresses(cfg)
	if err != nil {
		return nil, err
	}
	mon, err := proxy.NewMonitor(addrs, prober, system.New(), nil, server.MonitorConfig(cfg), nil)
	if err != nil {
		return nil, err
	}
	return mon.ProbeAll(cmd.Context()), nil
}

// writeProbeResults prints one row per proxy and returns how many are healthy.
func writeProbeResults(out io.Writer, results []proxy.ProbeResult) int {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROXY\tSTATE\tLATENCY\tERROR")
	healthy := 0
	for _, r := range results {
		if r.State == orchestrator.ProxyHealthy {
			healthy++
		}
		errText := "-"
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			proxy.DisplayName(r.Address),
			proxy.Redact(r.Address),
			r.State,
			r.Duration.Round(time.Millisecond),
			errText,
		)
	}
	_ = tw.Flush()
	return healthy
}
