package scanner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParsePortSpec parses a port expression such as "22,80,1000-1100" into a
// sorted list without duplicates.
func ParsePortSpec(spec string) ([]uint16, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty port expression")
	}

	seen := make(map[int]struct{})
	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("invalid empty token in port expression %q", spec)
		}

		start, end := token, token
		if lo, hi, ok := strings.Cut(token, "-"); ok {
			start, end = lo, hi
		}

		first, err := parsePort(start)
		if err != nil {
			return nil, err
		}
		last, err := parsePort(end)
		if err != nil {
			return nil, err
		}
		if first > last {
			return nil, fmt.Errorf("start port must be less than or equal to end port: %s", token)
		}
		for p := first; p <= last; p++ {
			seen[p] = struct{}{}
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	out := make([]uint16, len(ports))
	for i, p := range ports {
		out[i] = uint16(p)
	}
	return out, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("port is not a number: %s", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("ports must be within 1-65535 range: %d", p)
	}
	return p, nil
}
