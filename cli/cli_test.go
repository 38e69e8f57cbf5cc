package cli

import (
	"bytes"
	"flag"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blindscan/scanner"
)

func TestParseArgs(t *testing.T) {
	defaults := scanner.Options{MaxGroupSize: 100, MagicPort: 49724}

	parsed, err := parseArgs([]string{
		"-zombie", "192.0.2.7:139",
		"-p", "80,22,1000-1002",
		"-json",
		"-g", "5555",
		"-max-parallelism", "20",
		"-scan-delay", "15ms",
		"-data-length", "12",
		"-S", "10.1.1.1", "-e", "eth1",
		"-host-timeout", "2m",
		"scanme.nmap.org", "198.51.100.4",
	}, defaults, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "192.0.2.7:139", parsed.zombie)
	assert.Equal(t, []string{"scanme.nmap.org", "198.51.100.4"}, parsed.hosts)
	assert.Equal(t, []uint16{22, 80, 1000, 1001, 1002}, parsed.ports)
	assert.True(t, parsed.jsonOutput)
	assert.Equal(t, uint16(5555), parsed.opts.MagicPort)
	assert.True(t, parsed.opts.FixedMagicPort)
	assert.Equal(t, 20, parsed.opts.MaxGroupSize)
	assert.Equal(t, 15*time.Millisecond, parsed.opts.ScanDelay)
	assert.Equal(t, 12, parsed.opts.DataLength)
	assert.True(t, net.IPv4(10, 1, 1, 1).Equal(parsed.opts.Source))
	assert.Equal(t, "eth1", parsed.opts.Device)
	assert.Equal(t, 2*time.Minute, parsed.opts.HostTimeout)
}

func TestParseArgsKeepsDefaults(t *testing.T) {
	defaults := scanner.Options{MaxGroupSize: 64, MagicPort: 40000, MaxSendDelay: 50 * time.Millisecond}

	parsed, err := parseArgs([]string{"-sI", "zombie", "-p", "22", "target"}, defaults, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "zombie", parsed.zombie)
	assert.Equal(t, 64, parsed.opts.MaxGroupSize)
	assert.Equal(t, uint16(40000), parsed.opts.MagicPort)
	assert.False(t, parsed.opts.FixedMagicPort)
	assert.Equal(t, 50*time.Millisecond, parsed.opts.MaxSendDelay)
	assert.False(t, parsed.jsonOutput)
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no zombie", []string{"-p", "22", "target"}},
		{"no hosts", []string{"-zombie", "z", "-p", "22"}},
		{"no ports", []string{"-zombie", "z", "target"}},
		{"bad ports", []string{"-zombie", "z", "-p", "22-", "target"}},
		{"tiny group", []string{"-zombie", "z", "-p", "22", "-max-parallelism", "1", "target"}},
		{"big source port", []string{"-zombie", "z", "-p", "22", "-g", "70000", "target"}},
		{"source port at the top of the range", []string{"-zombie", "z", "-p", "22", "-g", "65535", "target"}},
		{"source port without room for retries", []string{"-zombie", "z", "-p", "22", "-g", "65276", "target"}},
		{"source without device", []string{"-zombie", "z", "-p", "22", "-S", "10.0.0.1", "target"}},
		{"ipv6 source", []string{"-zombie", "z", "-p", "22", "-S", "::1", "-e", "lo", "target"}},
		{"huge payload", []string{"-zombie", "z", "-p", "22", "-data-length", "5000", "target"}},
		{"negative delay", []string{"-zombie", "z", "-p", "22", "-scan-delay", "-1s", "target"}},
		{"unknown flag", []string{"-sS", "-zombie", "z", "-p", "22", "target"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseArgs(tt.args, scanner.Options{MaxGroupSize: 100}, io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestParseArgsHighestSourcePort(t *testing.T) {
	parsed, err := parseArgs([]string{"-zombie", "z", "-p", "22", "-g", "65275", "target"}, scanner.Options{MaxGroupSize: 100}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, uint16(scanner.MaxMagicPort), parsed.opts.MagicPort)
}

func TestParseArgsHelp(t *testing.T) {
	_, err := parseArgs([]string{"-h"}, scanner.Options{}, io.Discard)
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestOutputPlainText(t *testing.T) {
	var buf bytes.Buffer
	outputPlainText(&buf, []scanner.ScanResult{
		{Host: "10.0.0.3", Port: 22, State: "Open"},
		{Host: "10.0.0.3", Port: 23, State: "Closed"},
	})
	assert.Equal(t, "10.0.0.3:22 - Open\n10.0.0.3:23 - Closed\n", buf.String())
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outputJSON(&buf, []scanner.ScanResult{{Host: "h", Port: 80, State: "Open"}}))
	assert.JSONEq(t, `[{"host":"h","port":80,"state":"Open"}]`, buf.String())

	buf.Reset()
	require.NoError(t, outputJSON(&buf, nil))
	assert.JSONEq(t, `[]`, buf.String())
}
