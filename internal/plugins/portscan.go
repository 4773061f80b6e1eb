package plugins

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"sessiond/config"
	"sessiond/internal/plugin"
	"sessiond/util"
)

const (
	defaultScanPort    = "80"
	defaultScanTimeout = 500 * time.Millisecond
	defaultScanWorkers = 100
)

// DialFunc establishes a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ScanResult records whether a single port is open.
type ScanResult struct {
	Port int
	Open bool
	Err  error
}

// ScanPorts probes every port with at most workers dials in flight and
// returns results in input order.
func ScanPorts(ctx context.Context, host string, ports []int, timeout time.Duration, workers int, dial DialFunc) []ScanResult {
	if workers <= 0 {
		workers = defaultScanWorkers
	}
	results := make([]ScanResult, len(ports))
	var g errgroup.Group
	g.SetLimit(workers)

	for i, port := range ports {
		g.Go(func() error {
			scanCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			conn, err := dial(scanCtx, "tcp", util.FormatAddr(host, port))
			if err != nil {
				results[i] = ScanResult{Port: port, Err: err}
				return nil
			}
			conn.Close()
			results[i] = ScanResult{Port: port, Open: true}
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return results
}

// PortScan answers "portscan <host> [port|start-end]" with a TCP
// connect scan.
type PortScan struct {
	Timeout time.Duration // per port; default 500ms
	Workers int
	Dial    DialFunc // default net.Dialer.DialContext
	Logger  *util.Logger
}

func (p *PortScan) Name() string        { return "portscan" }
func (p *PortScan) Description() string { return "'portscan <host> [port|start-end]' TCP connect scan" }

func (p *PortScan) OnCommand(ctx context.Context, cmd *plugin.Command) (bool, error) {
	if cmd.Verb() != "portscan" {
		return false, nil
	}
	args := cmd.Args()
	if len(args) == 0 || len(args) > 2 {
		cmd.Reply("Usage: portscan <host> [port|start-end]")
		return true, nil
	}
	host, spec := args[0], defaultScanPort
	if len(args) == 2 {
		spec = args[1]
	}
	pr, err := config.ParsePortSpec(spec)
	if err != nil {
		cmd.Reply("Invalid port specification: %v", err)
		return true, nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	dial := p.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	p.Logger.Info("scanning %s ports %d-%d", host, pr.Start, pr.End)
	var open []string
	for _, r := range ScanPorts(ctx, host, pr.Expand(), timeout, p.Workers, dial) {
		if r.Open {
			open = append(open, strconv.Itoa(r.Port))
		}
	}
	if len(open) == 0 {
		cmd.Reply("No open ports found for %s.", host)
		return true, nil
	}
	cmd.Reply("Open ports on %s: %s", host, strings.Join(open, ", "))
	return true, nil
}
