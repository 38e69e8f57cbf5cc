package scanner

// SeqClass describes how a host assigns IPv4 identification values.
type SeqClass int

const (
	SeqUnknown SeqClass = iota
	SeqIncremental
	SeqBrokenIncremental // incremental, but written in little-endian byte order
	SeqRandomized
	SeqRandomPositive
	SeqZero
	SeqConstant
)

// String returns the human-readable class name used in diagnostics.
func (c SeqClass) String() string {
	switch c {
	case SeqIncremental:
		return "Incremental"
	case SeqBrokenIncremental:
		return "Broken little-endian incremental"
	case SeqRandomized:
		return "Randomized"
	case SeqRandomPositive:
		return "Random positive increments"
	case SeqZero:
		return "All zeros"
	case SeqConstant:
		return "Duplicated ipid (!)"
	default:
		return "Busy server or unknown class"
	}
}

// Usable reports whether a zombie with this class can serve as an idle scan oracle.
func (c SeqClass) Usable() bool {
	return c == SeqIncremental || c == SeqBrokenIncremental
}

// ClassifyIPIDs sorts a run of consecutively sampled IPIDs into a SeqClass.
func ClassifyIPIDs(ids []uint16) SeqClass {
	if len(ids) < 2 {
		return SeqUnknown
	}

	diffs := make([]uint16, len(ids)-1)
	allZero := true
	for i := 1; i < len(ids); i++ {
		if ids[i-1] != 0 || ids[i] != 0 {
			allZero = false
		}
		diffs[i-1] = ids[i] - ids[i-1]
		if len(ids) > 2 && diffs[i-1] > 20000 {
			return SeqRandomized
		}
	}
	if allZero {
		return SeqZero
	}

	constant := true
	for _, d := range diffs {
		if d != 0 {
			constant = false
			break
		}
	}
	if constant {
		return SeqConstant
	}

	for _, d := range diffs {
		if d > 1000 && (d%256 != 0 || d >= 25600) {
			return SeqRandomPositive
		}
	}

	broken := true
	for _, d := range diffs {
		if d == 0 || d%256 != 0 || d > 5120 {
			broken = false
			break
		}
	}
	if broken {
		return SeqBrokenIncremental
	}

	for _, d := range diffs {
		if d == 0 || d > 9 {
			return SeqUnknown
		}
	}
	return SeqIncremental
}

// IPIDDistance returns how many IPIDs the host consumed between from and to,
// modulo 2^16. It returns -1 when the class makes the distance meaningless.
func IPIDDistance(class SeqClass, from, to uint16) int {
	switch class {
	case SeqIncremental:
		return int(to - from)
	case SeqBrokenIncremental:
		return int(swap16(to) - swap16(from))
	default:
		return -1
	}
}

func swap16(v uint16) uint16 {
	return v<<8 | v>>8
}
