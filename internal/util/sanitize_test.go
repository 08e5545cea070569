package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	cases := map[string]string{
		"":                            "",
		"edge-01.example.com":         "edge-01.example.com",
		"slave-a\r\nX-Injected: 1":    "slave-a X-Injected: 1",
		"fetch failed\nretrying\n":    "fetch failed retrying ",
		"name\x00\x01\x1f\x7fsuffix":  "name suffix",
		"status\tok":                  "status ok",
		"\x00\x1b[31mred\x1b[0m":      " [31mred [0m",
		"10.0.0.5:8443 → unreachable": "10.0.0.5:8443 → unreachable",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeForLog(in), "input %q", in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "conn", Truncate("connection refused", 4))
	assert.Equal(t, "ok", Truncate("ok", 10))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", -1))
}

func TestKeyFingerprint(t *testing.T) {
	key := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	assert.Equal(t, "9f86d0..", KeyFingerprint(key))
	assert.Equal(t, "9f86d0..", KeyFingerprint("  "+key+"\n"))
	assert.Equal(t, "<short>", KeyFingerprint("abc"))
	assert.Equal(t, "<short>", KeyFingerprint(""))
	assert.NotContains(t, KeyFingerprint("ab\ncdefghijklmnopqrs"), "\n")
}
