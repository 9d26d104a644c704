// Package targets turns textual address-space descriptions into scan targets.
// Descriptors (CIDR blocks, inclusive ranges, single addresses) are parsed once
// at scan start and expanded lazily, so large spaces never sit in memory.
package targets

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"go4.org/netipx"

	"github.com/anstrom/ollamascan/internal/errors"
)

const (
	maxIPv4PrefixBits = 32
	commentMarker     = "#"
	jsonLabel         = "JSON"
	maxLineBytes      = 1024 * 1024
)

// Kind identifies the textual form a descriptor was written in.
type Kind int

const (
	KindCIDR Kind = iota
	KindRange
	KindSingle
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCIDR:
		return "cidr"
	case KindRange:
		return "range"
	case KindSingle:
		return "single"
	default:
		return "unknown"
	}
}

// Label returns the location label recorded next to discovered endpoints.
func (k Kind) Label() string {
	switch k {
	case KindCIDR:
		return "CIDR"
	case KindRange:
		return "Range"
	case KindSingle:
		return "Single IP"
	default:
		return "Unknown"
	}
}

// Descriptor is one parsed address-space entry. Immutable after parsing.
type Descriptor struct {
	Kind  Kind
	Line  int
	Raw   string
	Label string
	Range netipx.IPRange
}

// Size returns the number of addresses the descriptor covers.
func (d Descriptor) Size() uint64 {
	return rangeSize(d.Range)
}

// String renders the descriptor in canonical form.
func (d Descriptor) String() string {
	switch d.Kind {
	case KindCIDR:
		if p, ok := d.Range.Prefix(); ok {
			return p.String()
		}
	case KindSingle:
		return d.Range.From().String()
	}
	return d.Range.String()
}

// Descriptors written inside free text, such as "192.168.1.0/24 office" or
// "US-East: 1.2.3.4". Tried in this order; the first pattern that matches
// decides the line.
var (
	embeddedCIDR   = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}/\d{1,2})`)
	embeddedRange  = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\s*-\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	embeddedSingle = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})(?:[^/\d]|$)`)
)

// parseLine parses a whole line as a descriptor, and failing that, the first
// descriptor embedded in it. A line whose embedded candidate is itself
// invalid, such as an inverted range, stays an error.
func parseLine(text string) (Descriptor, error) {
	d, err := ParseDescriptor(text)
	if err == nil {
		return d, nil
	}

	var candidate string
	switch {
	case embeddedCIDR.MatchString(text):
		candidate = embeddedCIDR.FindStringSubmatch(text)[1]
	case embeddedRange.MatchString(text):
		m := embeddedRange.FindStringSubmatch(text)
		candidate = m[1] + "-" + m[2]
	case embeddedSingle.MatchString(text):
		candidate = embeddedSingle.FindStringSubmatch(text)[1]
	default:
		return Descriptor{}, err
	}
	return ParseDescriptor(candidate)
}

// ParseDescriptor parses a single descriptor in one of the forms
// a.b.c.d/n, a.b.c.d-e.f.g.h or a.b.c.d.
func ParseDescriptor(raw string) (Descriptor, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Descriptor{}, errors.NewParseError(raw, "empty descriptor")
	}

	switch {
	case strings.Contains(s, "/"):
		return parseCIDR(raw, s)
	case strings.Contains(s, "-"):
		return parseRange(raw, s)
	default:
		addr, err := parseIPv4(s)
		if err != nil {
			return Descriptor{}, wrapParse(raw, err)
		}
		return Descriptor{
			Kind:  KindSingle,
			Raw:   raw,
			Label: KindSingle.Label(),
			Range: netipx.IPRangeFrom(addr, addr),
		}, nil
	}
}

func parseCIDR(raw, s string) (Descriptor, error) {
	base, bitsText, _ := strings.Cut(s, "/")
	addr, err := parseIPv4(strings.TrimSpace(base))
	if err != nil {
		return Descriptor{}, wrapParse(raw, err)
	}

	bits, err := strconv.Atoi(strings.TrimSpace(bitsText))
	if err != nil {
		return Descriptor{}, errors.NewParseError(raw, fmt.Sprintf("invalid prefix length %q", bitsText))
	}
	if bits < 0 || bits > maxIPv4PrefixBits {
		return Descriptor{}, errors.NewParseError(raw,
			fmt.Sprintf("prefix length %d out of range [0,%d]", bits, maxIPv4PrefixBits))
	}

	prefix := netip.PrefixFrom(addr, bits).Masked()
	return Descriptor{
		Kind:  KindCIDR,
		Raw:   raw,
		Label: KindCIDR.Label(),
		Range: netipx.RangeOfPrefix(prefix),
	}, nil
}

func parseRange(raw, s string) (Descriptor, error) {
	startText, endText, _ := strings.Cut(s, "-")
	start, err := parseIPv4(strings.TrimSpace(startText))
	if err != nil {
		return Descriptor{}, wrapParse(raw, err)
	}
	end, err := parseIPv4(strings.TrimSpace(endText))
	if err != nil {
		return Descriptor{}, wrapParse(raw, err)
	}
	if end.Less(start) {
		return Descriptor{}, errors.NewParseError(raw, "range start is after range end")
	}

	return Descriptor{
		Kind:  KindRange,
		Raw:   raw,
		Label: KindRange.Label(),
		Range: netipx.IPRangeFrom(start, end),
	}, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}

func wrapParse(raw string, err error) *errors.ParseError {
	pe := errors.NewParseError(raw, err.Error())
	pe.Cause = err
	return pe
}

// Parse reads an address-space source. Blank lines and lines starting with
// '#' are ignored and trailing comments are stripped. A line that is not a
// descriptor on its own contributes the first descriptor found inside it.
// Each line with no usable descriptor is returned as a *errors.ParseError
// warning and skipped. A document that is
// a JSON object or array is accepted too: every string value inside it is
// parsed as one descriptor. The returned error is reserved for read failures.
func Parse(r io.Reader) ([]Descriptor, []error, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read address space: %w", err)
	}

	if looksLikeJSON(data) {
		var doc any
		if err := json.Unmarshal(data, &doc); err == nil {
			descriptors, warnings := parseJSONStrings(collectStrings(doc, nil))
			return descriptors, warnings, nil
		}
	}

	var (
		descriptors []Descriptor
		warnings    []error
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if idx := strings.Index(text, commentMarker); idx >= 0 {
			text = text[:idx]
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		d, err := parseLine(text)
		if err != nil {
			warnings = append(warnings, annotateLine(err, line))
			continue
		}
		d.Line = line
		d.Raw = strings.TrimSpace(text)
		descriptors = append(descriptors, d)
	}
	if err := scanner.Err(); err != nil {
		return descriptors, warnings, fmt.Errorf("failed to read address space: %w", err)
	}

	return descriptors, warnings, nil
}

// ParseFile opens path and parses it with Parse.
func ParseFile(path string) ([]Descriptor, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.WrapConfigError(errors.CodeFileNotFound,
				fmt.Sprintf("address space file %s not found", path), err)
		}
		return nil, nil, fmt.Errorf("failed to open address space file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

func annotateLine(err error, line int) error {
	if pe, ok := err.(*errors.ParseError); ok {
		return pe.AtLine(line)
	}
	return err
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// collectStrings walks a decoded JSON document depth first.
func collectStrings(v any, out []string) []string {
	switch val := v.(type) {
	case string:
		out = append(out, val)
	case []any:
		for _, item := range val {
			out = collectStrings(item, out)
		}
	case map[string]any:
		// map order is random; sort keys so runs are reproducible
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			out = collectStrings(val[k], out)
		}
	}
	return out
}

func parseJSONStrings(values []string) ([]Descriptor, []error) {
	var (
		descriptors []Descriptor
		warnings    []error
	)
	for i, raw := range values {
		d, err := ParseDescriptor(raw)
		if err != nil {
			warnings = append(warnings, annotateLine(err, i+1))
			continue
		}
		d.Line = i + 1
		d.Raw = strings.TrimSpace(raw)
		d.Label = jsonLabel
		descriptors = append(descriptors, d)
	}
	return descriptors, warnings
}
