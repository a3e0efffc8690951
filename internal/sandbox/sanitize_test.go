package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ls -la", "ls -la"},
		{"echo hi; rm -rf /", "echo hi rm -rf /"},
		{"cat a && cat b", "cat a  cat b"},
		{"echo $(whoami)", "echo (whoami)"},
		{"echo `id`", "echo id"},
		{"sort < in > out | tee x", "sort  in  out  tee x"},
		{"node -e 'console.log(1)'", "node -e 'console.log(1)'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), tt.in)
	}
}

func TestSanitizeNeverLeavesMetacharacters(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.String().Draw(t, "cmd")
		out := Sanitize(in)
		if strings.ContainsAny(out, shellMeta) {
			t.Fatalf("Sanitize(%q) = %q still contains metacharacters", in, out)
		}
		if Sanitize(out) != out {
			t.Fatalf("Sanitize is not idempotent on %q", in)
		}
	})
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello world", StripANSI("\x1b[1;32mhello\x1b[0m world"))
	assert.Equal(t, "title", StripANSI("\x1b]0;term\x07title"))
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "a b", StripANSI("a\x1b[2K b"))
}
