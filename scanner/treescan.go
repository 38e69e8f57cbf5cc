package scanner

import "log/slog"

// treeScan finds the open ports of a group by bisecting it and counting each
// half. count and adjust are the estimator and the timing controller; tests
// replace them with fakes.
type treeScan struct {
	count  func(ports []uint16) (openCount, error)
	adjust func(tested, truth int)
	timing *TimingState
	ports  *PortList
	logger *slog.Logger
}

func (ts *treeScan) measure(ports []uint16) (openCount, error) {
	if len(ports) == 0 {
		return openCount{}, nil
	}
	return ts.count(ports)
}

// scan returns how many ports in group are open and records each one found as
// PortOpen. expected is the count a parent measurement saw, or -1 at the top.
func (ts *treeScan) scan(group []uint16, expected int) (int, error) {
	mid := (len(group) + 1) / 2
	halves := [2][]uint16{group[:mid], group[mid:]}

	ts.logger.Debug("tree scan",
		"ports", len(group),
		"first_port", group[0],
		"expected", expected,
		"srtt_us", ts.timing.SRTT.Microseconds(),
		"rttvar_us", ts.timing.RTTVar.Microseconds(),
	)

	var flat [2]openCount
	deep := [2]int{-1, -1}
	for i, half := range halves {
		var err error
		if flat[i], err = ts.measure(half); err != nil {
			return 0, err
		}
		if len(half) > 1 && flat[i].count > 0 {
			if deep[i], err = ts.scan(half, flat[i].count); err != nil {
				return 0, err
			}
			ts.adjust(flat[i].count, deep[i])
		}
	}

	total := 0
	for i := range halves {
		if deep[i] == -1 {
			total += flat[i].count
		} else {
			total += deep[i]
		}
	}

	// Only counts confirmed by the deeper scans teach the target's RTT.
	if flat[0].count+flat[1].count == total && (expected == total || expected == -1) {
		for i := range halves {
			if flat[i].count > 0 && flat[i].timed {
				ts.timing.Update(flat[i].sentAt, flat[i].rcvdAt)
			}
		}
	}

	if total != expected {
		for i, half := range halves {
			if deep[i] != -1 {
				continue
			}
			retry, err := ts.measure(half)
			if err != nil {
				return 0, err
			}
			recount := retry.count
			if recount == flat[i].count {
				continue
			}

			if len(half) > 1 && recount > 0 {
				if recount, err = ts.scan(half, retry.count); err != nil {
					return 0, err
				}
				ts.adjust(retry.count, recount)
			} else {
				ts.logger.Debug("recount disagrees with first count",
					"ports", len(half),
					"first_port", half[0],
					"first", flat[i].count,
					"second", recount,
				)
				ts.adjust(flat[i].count, recount)
			}

			// A single port counted open by mistake must not stay recorded.
			if len(half) == 1 && flat[i].count == 1 && recount == 0 {
				ts.ports.Delete(half[0])
			}
			total += recount - flat[i].count
			flat[i].count = recount
		}
	}

	for i, half := range halves {
		if len(half) == 1 && flat[i].count == 1 {
			ts.ports.Add(half[0], PortOpen)
		}
	}
	return total, nil
}
