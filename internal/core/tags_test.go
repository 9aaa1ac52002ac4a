package core

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseTags(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"comma separated", "ca-managed,ca-group-general", []string{"ca-managed", "ca-group-general"}},
		{"semicolon separated", "ca-managed;ca-group-general", []string{"ca-managed", "ca-group-general"}},
		{"mixed with spaces", " ca-managed , ca-group-general ; ca-managed ", []string{"ca-managed", "ca-group-general"}},
		{"empty", "", nil},
		{"only separators", ";,;", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ParseTags(c.in)
			if len(got) == 0 && len(c.want) == 0 {
				return
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("ParseTags(%q) mismatch (-want +got):\n%s", c.in, diff)
			}
		})
	}
}

func TestParseTagsRoundTrip(t *testing.T) {
	inputs := []string{
		"a,b,c",
		"a;b;a;c",
		"  a , b  ,a",
		"",
	}
	for _, in := range inputs {
		first := ParseTags(in)
		second := ParseTags(strings.Join(first, ";"))
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("ParseTags round-trip mismatch for %q (-first +second):\n%s", in, diff)
		}
		seen := map[string]bool{}
		for _, tag := range second {
			if tag == "" {
				t.Errorf("ParseTags(%q) produced empty tag", in)
			}
			if seen[tag] {
				t.Errorf("ParseTags(%q) produced duplicate tag %q", in, tag)
			}
			seen[tag] = true
		}
	}
}

func TestVMIDFromProviderID(t *testing.T) {
	cases := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"k3s://ca-general-123", 123, true},
		{"k3s://ghost", 0, false},
		{"123", 123, true},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := VMIDFromProviderID(c.in)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("VMIDFromProviderID(%q) = (%d, %v), want (%d, %v)", c.in, got, ok, c.want, c.wantOK)
		}
	}
}
