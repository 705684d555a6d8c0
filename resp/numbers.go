package resp

import "strconv"

// ParseInt decodes a decimal integer the way the wire encodes one: a
// leading '-' and only ASCII digits afterward. It assumes valid input,
// with no bounds checking against int64 overflow, which is safe here because
// every caller already bounded the string length (bulk/aggregate counts,
// Integer payloads) before calling it. The empty slice returns zero.
//
// Zero-allocation integer parse for the hot path; kept for callers
// (argument encoding, benchmarks) that want the fast, unchecked path.
func ParseInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	u := uint64(b[0])

	neg := false
	if u == '-' {
		neg = true
		u = 0
	} else {
		u -= '0'
	}

	for i := 1; i < len(b); i++ {
		u = u*10 + uint64(b[i]-'0')
	}

	v := int64(u)
	if neg {
		v = -v
	}
	return v
}

// parseInt validates and decodes a decimal integer line from the wire.
// Unlike ParseInt, it rejects malformed input with a protocol violation
// instead of producing garbage, because a bad length/count here must
// tear down the connection (spec §4.1/§7), not continue silently.
func parseInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, violation("resp: empty integer")
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, violation("resp: invalid integer %q", b)
	}
	return v, nil
}

// parseDouble validates and decodes a RESP3 Double payload, including the
// "inf"/"-inf" literals required by spec §4.1 (strconv.ParseFloat already
// accepts those spellings case-insensitively).
func parseDouble(b []byte) (float64, error) {
	if len(b) == 0 {
		return 0, violation("resp: empty double")
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return 0, violation("resp: invalid double %q", b)
	}
	return v, nil
}
