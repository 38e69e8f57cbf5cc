package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"blindscan/config"
	"blindscan/logging"
	"blindscan/scanner"
)

// runArgs is a fully parsed command line.
type runArgs struct {
	zombie     string
	hosts      []string
	ports      []uint16
	jsonOutput bool
	opts       scanner.Options
}

// Run is the main entry point for the CLI application.
// It parses command-line flags and arguments, validates them,
// and drives the idle scan through the requested zombie.
// The returned value is the process exit code.
func Run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logging.Configure(cfg.LogLevel)

	parsed, err := parseArgs(args, cfg.ScanOptions(), os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printUsage(os.Stderr)
		return 2
	}

	if err := scanner.InitIdleScan(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Idle scan requires elevated privileges. Try: sudo blindscan -zombie ...")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idle := scanner.NewIdleScanner(parsed.zombie, parsed.opts)
	defer idle.Close()

	results, err := scanner.ExecuteScan(ctx, idle, parsed.hosts, parsed.ports)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if scanner.IsFatal(err) {
			return 1
		}
	}

	if parsed.jsonOutput {
		if err := outputJSON(os.Stdout, results); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding to JSON: %v\n", err)
			return 1
		}
	} else {
		outputPlainText(os.Stdout, results)
	}
	if err != nil {
		return 1
	}
	return 0
}

// parseArgs applies flags on top of the configured defaults.
func parseArgs(args []string, defaults scanner.Options, stderr io.Writer) (*runArgs, error) {
	fs := flag.NewFlagSet("blindscan", flag.ContinueOnError)
	fs.SetOutput(stderr)

	zombie := fs.String("zombie", "", "Zombie host as host[:probeport] (probe port defaults to 80)")
	fs.StringVar(zombie, "sI", "", "Alias for -zombie")
	portSpec := fs.String("p", "", "Ports to scan, e.g. 22,80,1000-1100")
	jsonOutput := fs.Bool("json", false, "Output results in JSON format")
	magicPort := fs.Uint("g", 0, "Fixed source port for zombie probes")
	maxParallelism := fs.Int("max-parallelism", defaults.MaxGroupSize, "Maximum ports counted in one estimate")
	scanDelay := fs.Duration("scan-delay", 0, "Fixed delay between probes, e.g. 10ms")
	dataLength := fs.Int("data-length", 0, "Random payload bytes appended to forged SYNs")
	source := fs.String("S", "", "Source address for zombie probes (requires -e)")
	device := fs.String("e", "", "Capture interface (requires -S)")
	hostTimeout := fs.Duration("host-timeout", 0, "Give up on a target after this long")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *zombie == "" {
		return nil, errors.New("a zombie host is required (-zombie host[:port])")
	}
	hosts := fs.Args()
	if len(hosts) == 0 {
		return nil, errors.New("at least one target host is required")
	}
	if *portSpec == "" {
		return nil, errors.New("a port expression is required (-p)")
	}
	ports, err := scanner.ParsePortSpec(*portSpec)
	if err != nil {
		return nil, err
	}

	opts := defaults
	opts.MaxGroupSize = *maxParallelism
	if opts.MaxGroupSize < 2 {
		return nil, fmt.Errorf("max-parallelism must be at least 2, got %d", opts.MaxGroupSize)
	}
	if *magicPort != 0 {
		if *magicPort > scanner.MaxMagicPort {
			return nil, fmt.Errorf("source port must be within 1-%d, got %d", scanner.MaxMagicPort, *magicPort)
		}
		opts.MagicPort = uint16(*magicPort)
		opts.FixedMagicPort = true
	}
	if *scanDelay < 0 || *hostTimeout < 0 {
		return nil, errors.New("delays and timeouts must not be negative")
	}
	opts.ScanDelay = *scanDelay
	opts.HostTimeout = *hostTimeout
	if *dataLength < 0 || *dataLength > 1400 {
		return nil, fmt.Errorf("data-length must be within 0-1400, got %d", *dataLength)
	}
	opts.DataLength = *dataLength

	if (*source == "") != (*device == "") {
		return nil, errors.New("-S and -e must be given together")
	}
	if *source != "" {
		ip := net.ParseIP(*source).To4()
		if ip == nil {
			return nil, fmt.Errorf("source address is not IPv4: %s", *source)
		}
		opts.Source = ip
		opts.Device = *device
	}

	return &runArgs{
		zombie:     *zombie,
		hosts:      hosts,
		ports:      ports,
		jsonOutput: *jsonOutput,
		opts:       opts,
	}, nil
}

// printUsage displays the help message.
func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: blindscan -zombie host[:probeport] -p ports [options] host1 host2...")
	fmt.Fprintln(w, "Example: blindscan -zombie 192.0.2.7 -p 22,80,443 scanme.nmap.org")
	fmt.Fprintln(w, "Example: blindscan -zombie printer.lan:139 -p 1-1024 -json 10.0.0.5")
	fmt.Fprintln(w, "Example: blindscan serve")
}

// outputJSON marshals and prints results in JSON format.
func outputJSON(w io.Writer, results []scanner.ScanResult) error {
	if results == nil {
		results = []scanner.ScanResult{}
	}
	jsonData, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(jsonData))
	return err
}

// outputPlainText prints results in human-readable format.
func outputPlainText(w io.Writer, results []scanner.ScanResult) {
	for _, result := range results {
		fmt.Fprintf(w, "%s:%d - %s\n", result.Host, result.Port, result.State)
	}
}

