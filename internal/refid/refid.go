// Package refid issues and validates provider reference IDs. A
// reference ID is "#" followed by ten digits: a nine digit zero padded
// counter value and a Luhn check digit, so transcription errors are
// caught before a lookup ever hits storage.
package refid

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

const (
	prefix    = "#"
	bodyLen   = 9
	totalLen  = 1 + bodyLen + 1
	maxNumber = 999999999
)

// Generator hands out monotonically increasing reference IDs. Safe for
// concurrent use.
type Generator struct {
	next atomic.Uint64
}

func NewGenerator(start uint64) *Generator {
	g := &Generator{}
	g.next.Store(start)
	return g
}

func (g *Generator) Next() string {
	return Format(g.next.Add(1))
}

// Format renders n as a reference ID. Values above the nine digit
// range wrap; the counter is an opaque handle, not an accounting total.
func Format(n uint64) string {
	body := fmt.Sprintf("%0*d", bodyLen, n%(maxNumber+1))
	return prefix + body + luhnCheckDigit(body)
}

// Parse validates the shape and check digit and returns the counter
// value.
func Parse(id string) (uint64, error) {
	if len(id) != totalLen || id[0] != prefix[0] {
		return 0, fmt.Errorf("malformed reference id %q", id)
	}
	digits := id[1:]
	if !isDigits(digits) {
		return 0, fmt.Errorf("malformed reference id %q", id)
	}
	body := digits[:bodyLen]
	if luhnCheckDigit(body) != string(digits[bodyLen]) {
		return 0, fmt.Errorf("reference id %q fails check digit", id)
	}
	n, err := strconv.ParseUint(body, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed reference id %q", id)
	}
	return n, nil
}

// Valid reports whether id parses cleanly.
func Valid(id string) bool {
	_, err := Parse(id)
	return err == nil
}

func luhnCheckDigit(body string) string {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	cd := (10 - (sum % 10)) % 10
	return string('0' + byte(cd))
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
