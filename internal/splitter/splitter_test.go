package splitter

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortTextIsOneChunk(t *testing.T) {
	s := New(Options{MaxChars: 100})
	chunks, err := s.Split("Hello there. How are you?")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "Hello there. How are you?" {
		t.Fatalf("unexpected chunks %q", chunks)
	}
}

func TestSplitPacksSentencesUnderLimit(t *testing.T) {
	s := New(Options{MaxChars: 30})
	text := "The first sentence is here. The second one follows. A third closes it."
	chunks, err := s.Split(text)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []string{"The first sentence is here.", "The second one follows.", "A third closes it."}
	if strings.Join(chunks, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, chunks)
	}
}

func TestSplitKeepsParagraphBreaks(t *testing.T) {
	s := New(Options{MaxChars: 200})
	chunks, err := s.Split("Line one\ncontinues here.\r\n\r\nSecond paragraph.")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "Line one continues here.\n\nSecond paragraph." {
		t.Fatalf("unexpected chunks %q", chunks)
	}
}

func TestSplitRespectsAbbreviations(t *testing.T) {
	s := New(Options{MaxChars: 20})
	chunks, err := s.Split("Dr. Smith went home. He slept.")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if chunks[0] != "Dr. Smith went home." {
		t.Fatalf("abbreviation split the sentence: %q", chunks)
	}
}

func TestSplitLongSentenceOnWhitespace(t *testing.T) {
	s := New(Options{MaxChars: 10})
	chunks, err := s.Split("alpha beta gamma delta epsilon")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []string{"alpha beta", "gamma", "delta", "epsilon"}
	if strings.Join(chunks, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, chunks)
	}
}

func TestSplitCutsOversizeWord(t *testing.T) {
	s := New(Options{MaxChars: 4})
	chunks, err := s.Split("abcdefghij")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if strings.Join(chunks, "|") != "abcd|efgh|ij" {
		t.Fatalf("unexpected chunks %q", chunks)
	}
}

func TestSplitNeverExceedsLimit(t *testing.T) {
	s := New(Options{MaxChars: 25})
	text := strings.Repeat("Xin chào các bạn thân mến. ", 40) + "\n\n" + strings.Repeat("word ", 50)
	chunks, err := s.Split(text)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 25 || n == 0 {
			t.Fatalf("chunk %d has %d runes: %q", i, n, c)
		}
	}
	again, _ := s.Split(text)
	if strings.Join(again, "|") != strings.Join(chunks, "|") {
		t.Fatal("split must be deterministic")
	}
}

func TestSplitWideTerminals(t *testing.T) {
	s := New(Options{MaxChars: 6})
	chunks, err := s.Split("你好。再见！")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if strings.Join(chunks, "|") != "你好。 再见！" && strings.Join(chunks, "|") != "你好。|再见！" {
		t.Fatalf("unexpected chunks %q", chunks)
	}
}

func TestSplitEmpty(t *testing.T) {
	s := New(Options{})
	for _, text := range []string{"", "   \n\t\r\n"} {
		if _, err := s.Split(text); !errors.Is(err, ErrEmpty) {
			t.Fatalf("expected ErrEmpty for %q, got %v", text, err)
		}
	}
}

func TestSplitMalformed(t *testing.T) {
	s := New(Options{})
	if _, err := s.Split("bad \xff bytes"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestSplitStripsByteOrderMark(t *testing.T) {
	s := New(Options{})
	chunks, err := s.Split("\uFEFFHello.")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if chunks[0] != "Hello." {
		t.Fatalf("expected BOM stripped, got %q", chunks[0])
	}
}
