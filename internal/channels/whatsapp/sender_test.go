package whatsapp

import (
	"net/http"
	"reflect"
	"testing"
)

func TestSplitParts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"no blank line", "hello world", []string{"hello world"}},
		{"two paragraphs", "first\n\nsecond", []string{"first", "second"}},
		{"empty segments dropped", "first\n\n\n\nsecond\n\n", []string{"first", "second"}},
		{"whitespace trimmed", "  first  \n\n  second  ", []string{"first", "second"}},
		{"single newline kept intact", "line one\nline two", []string{"line one\nline two"}},
		{"only blank lines", "\n\n\n\n", []string{"\n\n\n\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitParts(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitParts(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsFalsePositive400(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		hasQuote    bool
		hasMentions bool
		want        bool
	}{
		{"quoted 400 is success", http.StatusBadRequest, true, false, true},
		{"mentions 400 is success", http.StatusBadRequest, false, true, true},
		{"plain 400 is failure", http.StatusBadRequest, false, false, false},
		{"quoted 500 is failure", http.StatusInternalServerError, true, false, false},
		{"quoted 200 not classified", http.StatusOK, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isFalsePositive400(tt.status, tt.hasQuote, tt.hasMentions); got != tt.want {
				t.Errorf("isFalsePositive400(%d, %v, %v) = %v, want %v",
					tt.status, tt.hasQuote, tt.hasMentions, got, tt.want)
			}
		})
	}
}
