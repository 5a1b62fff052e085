package dispatch

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"fits", "Olá, tudo bem?", 100, []string{"Olá, tudo bem?"}},
		{"no ceiling", strings.Repeat("a ", 50), 0, []string{strings.TrimSpace(strings.Repeat("a ", 50))}},
		{"empty", "   ", 10, nil},
		{"paragraphs", "Primeiro parágrafo.\n\nSegundo parágrafo.", 25, []string{"Primeiro parágrafo.", "Segundo parágrafo."}},
		{"lines", "linha um\nlinha dois\nlinha três", 20, []string{"linha um\nlinha dois", "linha três"}},
		{"sentences", "Frase um. Frase dois. Frase três.", 22, []string{"Frase um. Frase dois.", "Frase três."}},
		{"words", "uma duas tres quatro cinco", 10, []string{"uma duas", "tres", "quatro", "cinco"}},
		{"hard cut", "abcdefghijkl", 5, []string{"abcde", "fghij", "kl"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.max)
			if len(got) != len(tt.want) {
				t.Fatalf("Split(%q, %d) = %q, want %q", tt.text, tt.max, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("part %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitRespectsCeilingAndPreservesWords(t *testing.T) {
	text := strings.Repeat("Cortina blackout sob medida com instalação inclusa. ", 60) +
		"\n\nPrazo de entrega de 7 dias úteis."
	const max = 120
	parts := Split(text, max)
	if len(parts) < 2 {
		t.Fatalf("expected multiple parts, got %d", len(parts))
	}
	for i, p := range parts {
		if n := utf8.RuneCountInString(p); n > max {
			t.Errorf("part %d has %d runes, ceiling %d", i, n, max)
		}
	}
	origWords := strings.Fields(text)
	var gotWords []string
	for _, p := range parts {
		gotWords = append(gotWords, strings.Fields(p)...)
	}
	if strings.Join(gotWords, " ") != strings.Join(origWords, " ") {
		t.Error("joined parts do not reproduce the original words in order")
	}
}

func TestSplitMultibyte(t *testing.T) {
	parts := Split("ção ção ção ção", 7)
	want := []string{"ção ção", "ção ção"}
	if len(parts) != 2 || parts[0] != want[0] || parts[1] != want[1] {
		t.Errorf("got %q, want %q", parts, want)
	}
}
