package scanner

import (
	"errors"
	"fmt"
)

var (
	// Usage errors
	ErrNoPorts       = errors.New("no ports to scan")
	ErrBadZombieSpec = errors.New("invalid zombie specification")

	// Zombie errors
	ErrZombieResolve     = errors.New("could not resolve zombie host")
	ErrNoRoute           = errors.New("no source address and interface for zombie")
	ErrPacketPath        = errors.New("cannot open raw send and capture paths")
	ErrUnusableZombie    = errors.New("zombie IPID sequence is not usable")
	ErrZombieUnreachable = errors.New("zombie stopped answering IPID probes")
	ErrSpoofingFailed    = errors.New("spoofed packets did not reach the zombie")

	// Scan errors
	ErrNoMeaningfulResults = errors.New("unable to obtain meaningful results from zombie")
	ErrNotIPv4             = errors.New("only IPv4 targets are supported")
)

// FatalError ends the whole scan run. It names the zombie it happened on.
type FatalError struct {
	Zombie string
	Err    error
	Detail string
}

func (e *FatalError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("idle scan via zombie %s: %v", e.Zombie, e.Err)
	}
	return fmt.Sprintf("idle scan via zombie %s: %v: %s", e.Zombie, e.Err, e.Detail)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatalf(zombie string, err error, format string, args ...any) *FatalError {
	return &FatalError{Zombie: zombie, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err must stop the scan run.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
