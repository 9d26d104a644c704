package targets

import (
	"fmt"
	"iter"
	"net/netip"
	"strconv"

	"go4.org/netipx"
)

// Target is one address/port pair to probe.
type Target struct {
	Addr     netip.Addr
	Port     uint16
	Location string
}

// Key returns the endpoint key "a.b.c.d:port".
func (t Target) Key() string {
	return netip.AddrPortFrom(t.Addr, t.Port).String()
}

// URL builds the probe URL for path on this target.
func (t Target) URL(path string) string {
	return "http://" + t.Key() + path
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Key()
}

// Expander turns an ordered descriptor list into a lazy, duplicate-free
// target sequence. Addresses already covered by an earlier descriptor are
// skipped, so each address is yielded once in first-appearance order.
type Expander struct {
	descriptors []Descriptor
	port        uint16
}

// NewExpander creates an expander that pairs every address with port.
func NewExpander(descriptors []Descriptor, port uint16) *Expander {
	ds := make([]Descriptor, len(descriptors))
	copy(ds, descriptors)
	return &Expander{descriptors: ds, port: port}
}

// Descriptors returns the descriptors in input order.
func (e *Expander) Descriptors() []Descriptor {
	return e.descriptors
}

// Port returns the port paired with every address.
func (e *Expander) Port() uint16 {
	return e.port
}

// Count returns the number of distinct addresses across all descriptors.
// It is computed from the range union, without enumerating.
func (e *Expander) Count() uint64 {
	var b netipx.IPSetBuilder
	for _, d := range e.descriptors {
		b.AddRange(d.Range)
	}
	set, err := b.IPSet()
	if err != nil {
		return 0
	}

	var total uint64
	for _, r := range set.Ranges() {
		total += rangeSize(r)
	}
	return total
}

// Targets returns the target sequence. Each call starts a fresh walk, and
// stopping early releases everything.
func (e *Expander) Targets() iter.Seq[Target] {
	return func(yield func(Target) bool) {
		seen := &netipx.IPSet{}
		for _, d := range e.descriptors {
			fresh, next, err := subtract(seen, d.Range)
			if err != nil {
				continue
			}
			for _, r := range fresh {
				if !walkRange(r, func(addr netip.Addr) bool {
					return yield(Target{Addr: addr, Port: e.port, Location: d.Label})
				}) {
					return
				}
			}
			seen = next
		}
	}
}

// Contribution is how many addresses a descriptor adds to the scan.
type Contribution struct {
	Descriptor Descriptor
	// Size of the descriptor's own range
	Size uint64
	// Addresses not already covered by earlier descriptors
	New uint64
}

// Breakdown returns one Contribution per descriptor, in input order.
// The New values sum to Count.
func (e *Expander) Breakdown() []Contribution {
	out := make([]Contribution, 0, len(e.descriptors))
	seen := &netipx.IPSet{}
	for _, d := range e.descriptors {
		c := Contribution{Descriptor: d, Size: d.Size()}
		fresh, next, err := subtract(seen, d.Range)
		if err == nil {
			for _, r := range fresh {
				c.New += rangeSize(r)
			}
			seen = next
		}
		out = append(out, c)
	}
	return out
}

// subtract returns the parts of r not already in seen, plus seen ∪ r.
func subtract(seen *netipx.IPSet, r netipx.IPRange) ([]netipx.IPRange, *netipx.IPSet, error) {
	var fresh netipx.IPSetBuilder
	fresh.AddRange(r)
	fresh.RemoveSet(seen)
	freshSet, err := fresh.IPSet()
	if err != nil {
		return nil, seen, fmt.Errorf("failed to subtract seen addresses from %s: %w", r, err)
	}

	var union netipx.IPSetBuilder
	union.AddSet(seen)
	union.AddRange(r)
	unionSet, err := union.IPSet()
	if err != nil {
		return nil, seen, fmt.Errorf("failed to merge %s into seen addresses: %w", r, err)
	}

	return freshSet.Ranges(), unionSet, nil
}

// walkRange calls fn for every address in r, in ascending order, until fn
// returns false. It never steps past r.To(), so 255.255.255.255 terminates.
func walkRange(r netipx.IPRange, fn func(netip.Addr) bool) bool {
	if !r.IsValid() {
		return true
	}
	last := r.To()
	for addr := r.From(); ; addr = addr.Next() {
		if !fn(addr) {
			return false
		}
		if addr == last {
			return true
		}
	}
}

func rangeSize(r netipx.IPRange) uint64 {
	if !r.IsValid() {
		return 0
	}
	return uint64(addrUint32(r.To())) - uint64(addrUint32(r.From())) + 1
}

func addrUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// FormatCount renders large address counts with thousands separators.
func FormatCount(n uint64) string {
	s := strconv.FormatUint(n, 10)
	if len(s) <= 3 {
		return s
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}
