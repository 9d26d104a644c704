package targets

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/ollamascan/internal/errors"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		kind      Kind
		from, to  string
		size      uint64
		expectErr string
	}{
		{name: "cidr /24", raw: "192.168.1.0/24", kind: KindCIDR, from: "192.168.1.0", to: "192.168.1.255", size: 256},
		{name: "cidr /32", raw: "10.0.0.7/32", kind: KindCIDR, from: "10.0.0.7", to: "10.0.0.7", size: 1},
		{name: "cidr host bits masked", raw: "10.1.2.3/16", kind: KindCIDR, from: "10.1.0.0", to: "10.1.255.255", size: 65536},
		{name: "cidr /0", raw: "0.0.0.0/0", kind: KindCIDR, from: "0.0.0.0", to: "255.255.255.255", size: 1 << 32},
		{name: "range", raw: "10.0.0.1-10.0.0.3", kind: KindRange, from: "10.0.0.1", to: "10.0.0.3", size: 3},
		{name: "range with spaces", raw: " 10.0.0.1 - 10.0.0.3 ", kind: KindRange, from: "10.0.0.1", to: "10.0.0.3", size: 3},
		{name: "degenerate range", raw: "10.0.0.5-10.0.0.5", kind: KindRange, from: "10.0.0.5", to: "10.0.0.5", size: 1},
		{name: "single", raw: "172.16.0.9", kind: KindSingle, from: "172.16.0.9", to: "172.16.0.9", size: 1},
		{name: "inverted range", raw: "10.0.0.10-10.0.0.1", expectErr: "range start is after range end"},
		{name: "prefix too long", raw: "10.0.0.0/33", expectErr: "out of range"},
		{name: "negative prefix", raw: "10.0.0.0/-1", expectErr: "out of range"},
		{name: "prefix not a number", raw: "10.0.0.0/abc", expectErr: "invalid prefix length"},
		{name: "ipv6", raw: "::1", expectErr: "not an IPv4 address"},
		{name: "garbage", raw: "not-an-ip", expectErr: "ParseAddr"},
		{name: "empty", raw: "   ", expectErr: "empty descriptor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDescriptor(tt.raw)
			if tt.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectErr)
				assert.True(t, errors.IsCode(err, errors.CodeTargetInvalid))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.kind.Label(), d.Label)
			assert.Equal(t, netip.MustParseAddr(tt.from), d.Range.From())
			assert.Equal(t, netip.MustParseAddr(tt.to), d.Range.To())
			assert.Equal(t, tt.size, d.Size())
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("lines comments and warnings", func(t *testing.T) {
		input := strings.Join([]string{
			"# office networks",
			"",
			"192.168.1.0/24   # lab",
			"10.0.0.10-10.0.0.1",
			"10.0.0.1 - 10.0.0.3",
			"junk",
			"8.8.8.8",
		}, "\n")

		descs, warnings, err := Parse(strings.NewReader(input))
		require.NoError(t, err)
		require.Len(t, descs, 3)
		require.Len(t, warnings, 2)

		assert.Equal(t, 3, descs[0].Line)
		assert.Equal(t, "192.168.1.0/24", descs[0].Raw)
		assert.Equal(t, KindRange, descs[1].Kind)
		assert.Equal(t, 5, descs[1].Line)
		assert.Equal(t, KindSingle, descs[2].Kind)

		var pe *errors.ParseError
		require.ErrorAs(t, warnings[0], &pe)
		assert.Equal(t, 4, pe.Line)
		require.ErrorAs(t, warnings[1], &pe)
		assert.Equal(t, 6, pe.Line)
	})

	t.Run("json document", func(t *testing.T) {
		input := `{"ranges": ["10.0.0.0/30", "bad"], "extra": {"single": "10.0.1.1"}, "count": 3}`

		descs, warnings, err := Parse(strings.NewReader(input))
		require.NoError(t, err)
		require.Len(t, descs, 2)
		assert.Len(t, warnings, 1)
		for _, d := range descs {
			assert.Equal(t, "JSON", d.Label)
		}
		// keys are walked in sorted order
		assert.Equal(t, "10.0.1.1", descs[0].Raw)
		assert.Equal(t, "10.0.0.0/30", descs[1].Raw)
	})

	t.Run("invalid json falls back to lines", func(t *testing.T) {
		descs, warnings, err := Parse(strings.NewReader("[10.0.0.1\n10.0.0.2"))
		require.NoError(t, err)
		require.Len(t, descs, 2)
		assert.Empty(t, warnings)
		assert.Equal(t, "10.0.0.1", descs[0].Range.From().String())
	})

	t.Run("descriptors inside free text", func(t *testing.T) {
		input := strings.Join([]string{
			"192.168.1.0/24 office",
			"US-East: 1.2.3.4",
			"lab range 10.1.0.1 - 10.1.0.9 (rack 4)",
			"DC 10.0.0.10-10.0.0.1 spare",
			"edge 10.2.0.0/33",
			"no addresses here",
		}, "\n")

		descs, warnings, err := Parse(strings.NewReader(input))
		require.NoError(t, err)
		require.Len(t, descs, 3)
		require.Len(t, warnings, 3)

		assert.Equal(t, KindCIDR, descs[0].Kind)
		assert.Equal(t, "192.168.1.0/24", descs[0].String())
		assert.Equal(t, "CIDR", descs[0].Label)
		assert.Equal(t, KindSingle, descs[1].Kind)
		assert.Equal(t, "1.2.3.4", descs[1].String())
		assert.Equal(t, 2, descs[1].Line)
		assert.Equal(t, KindRange, descs[2].Kind)
		assert.Equal(t, uint64(9), descs[2].Size())

		// an embedded inverted range is not salvaged as a single address
		var pe *errors.ParseError
		require.ErrorAs(t, warnings[0], &pe)
		assert.Equal(t, 4, pe.Line)
		require.ErrorAs(t, warnings[1], &pe)
		assert.Equal(t, 5, pe.Line)
		require.ErrorAs(t, warnings[2], &pe)
		assert.Equal(t, 6, pe.Line)
	})

	t.Run("empty input", func(t *testing.T) {
		descs, warnings, err := Parse(strings.NewReader("\n# nothing\n"))
		require.NoError(t, err)
		assert.Empty(t, descs)
		assert.Empty(t, warnings)
	})
}

func TestParseFileMissing(t *testing.T) {
	_, _, err := ParseFile("/nonexistent/ip-ranges.txt")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeFileNotFound))
}

func mustDescriptors(t *testing.T, raws ...string) []Descriptor {
	t.Helper()
	out := make([]Descriptor, 0, len(raws))
	for _, raw := range raws {
		d, err := ParseDescriptor(raw)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func TestExpanderDedup(t *testing.T) {
	tests := []struct {
		name  string
		raws  []string
		count uint64
		first string
		last  string
	}{
		{name: "cidr then contained single", raws: []string{"192.168.1.0/24", "192.168.1.1"}, count: 256,
			first: "192.168.1.0:11434", last: "192.168.1.255:11434"},
		{name: "single /32", raws: []string{"10.0.0.7/32"}, count: 1,
			first: "10.0.0.7:11434", last: "10.0.0.7:11434"},
		{name: "degenerate range", raws: []string{"10.0.0.5-10.0.0.5"}, count: 1,
			first: "10.0.0.5:11434", last: "10.0.0.5:11434"},
		{name: "overlapping ranges", raws: []string{"10.0.0.3-10.0.0.6", "10.0.0.1-10.0.0.8"}, count: 8,
			first: "10.0.0.3:11434", last: "10.0.0.8:11434"},
		{name: "top of address space", raws: []string{"255.255.255.254-255.255.255.255"}, count: 2,
			first: "255.255.255.254:11434", last: "255.255.255.255:11434"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExpander(mustDescriptors(t, tt.raws...), 11434)
			keys := keysOf(e)

			require.Len(t, keys, int(tt.count))
			assert.Equal(t, tt.count, e.Count())
			assert.Equal(t, tt.first, keys[0])
			assert.Equal(t, tt.last, keys[len(keys)-1])

			seen := make(map[string]bool, len(keys))
			for _, k := range keys {
				assert.False(t, seen[k], "duplicate target %s", k)
				seen[k] = true
			}
		})
	}
}

// keysOf drains e into endpoint keys in yield order.
func keysOf(e *Expander) []string {
	var keys []string
	for t := range e.Targets() {
		keys = append(keys, t.Key())
	}
	return keys
}

func TestExpanderOrder(t *testing.T) {
	e := NewExpander(mustDescriptors(t, "10.0.0.3-10.0.0.6", "10.0.0.1-10.0.0.8"), 11434)

	expected := []string{
		"10.0.0.3:11434", "10.0.0.4:11434", "10.0.0.5:11434", "10.0.0.6:11434",
		"10.0.0.1:11434", "10.0.0.2:11434", "10.0.0.7:11434", "10.0.0.8:11434",
	}
	assert.Equal(t, expected, keysOf(e))
}

func TestExpanderLocation(t *testing.T) {
	e := NewExpander(mustDescriptors(t, "10.0.0.0/31", "10.0.0.2-10.0.0.2", "10.0.0.3"), 8080)

	var locations []string
	for tgt := range e.Targets() {
		assert.Equal(t, uint16(8080), tgt.Port)
		locations = append(locations, tgt.Location)
	}
	assert.Equal(t, []string{"CIDR", "CIDR", "Range", "Single IP"}, locations)
}

func TestExpanderLazyWholeSpace(t *testing.T) {
	e := NewExpander(mustDescriptors(t, "0.0.0.0/0"), 11434)
	assert.Equal(t, uint64(1)<<32, e.Count())

	var got []string
	for tgt := range e.Targets() {
		got = append(got, tgt.Key())
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"0.0.0.0:11434", "0.0.0.1:11434", "0.0.0.2:11434"}, got)
}

func TestExpanderRestartable(t *testing.T) {
	e := NewExpander(mustDescriptors(t, "10.0.0.1-10.0.0.3"), 11434)
	assert.Equal(t, keysOf(e), keysOf(e))
}

func TestTargetURL(t *testing.T) {
	tgt := Target{Addr: netip.MustParseAddr("10.0.0.2"), Port: 11434}
	assert.Equal(t, "10.0.0.2:11434", tgt.Key())
	assert.Equal(t, "http://10.0.0.2:11434/api/tags", tgt.URL("/api/tags"))
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0", FormatCount(0))
	assert.Equal(t, "999", FormatCount(999))
	assert.Equal(t, "1,000", FormatCount(1000))
	assert.Equal(t, "65,536", FormatCount(65536))
	assert.Equal(t, "4,294,967,296", FormatCount(1<<32))
}

func TestExpanderBreakdown(t *testing.T) {
	e := NewExpander(mustDescriptors(t, "192.168.1.0/24", "192.168.1.10", "192.168.1.250-192.168.2.5"), 11434)

	parts := e.Breakdown()
	require.Len(t, parts, 3)

	assert.Equal(t, uint64(256), parts[0].Size)
	assert.Equal(t, uint64(256), parts[0].New)
	assert.Equal(t, uint64(1), parts[1].Size)
	assert.Equal(t, uint64(0), parts[1].New)
	assert.Equal(t, uint64(12), parts[2].Size)
	assert.Equal(t, uint64(6), parts[2].New)

	var sum uint64
	for _, p := range parts {
		sum += p.New
	}
	assert.Equal(t, e.Count(), sum)
}
