package scanner

import (
	"context"
)

// ScanResult represents the final verdict for one port of one host.
type ScanResult struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	State string `json:"state"`
}

// ExecuteScan is the run-level orchestrator.
// It resolves every host, scans them one after another through the scanner's
// zombie, and collects results in host order. A fatal error stops the whole run;
// a host that cannot be resolved or runs past its host timeout is skipped.
func ExecuteScan(ctx context.Context, s *IdleScanner, hosts []string, ports []uint16) ([]ScanResult, error) {
	if len(ports) == 0 {
		return nil, fatalf(s.Zombie(), ErrNoPorts, "%d hosts requested", len(hosts))
	}

	results := make([]ScanResult, 0, len(hosts)*len(ports))
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		addr, err := s.transport.Resolve(host)
		if err != nil {
			s.logger.Warn("skipping target that failed to resolve", "target", host, "error", err)
			continue
		}
		target := NewTarget(host, addr)

		hostCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.opts.HostTimeout > 0 {
			hostCtx, cancel = context.WithTimeout(ctx, s.opts.HostTimeout)
		}
		err = s.Scan(hostCtx, target, ports)
		cancel()

		if err != nil {
			if IsFatal(err) {
				return results, err
			}
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			s.logger.Warn("skipping target", "target", host, "error", err)
			continue
		}
		results = append(results, target.Results(ports)...)
	}
	return results, nil
}
