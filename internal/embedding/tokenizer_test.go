package embedding

import "testing"

func TestSimpleTokenizerTokenize(t *testing.T) {
	tok := &SimpleTokenizer{}
	ids, attn, types := tok.Tokenize("hello world", 10)
	if len(ids) != 10 || len(attn) != 10 || len(types) != 10 {
		t.Fatalf("lengths: %d %d %d", len(ids), len(attn), len(types))
	}
	if ids[0] != 101 {
		t.Errorf("expected CLS 101, got %d", ids[0])
	}
	if attn[0] != 1 || attn[1] != 1 || attn[2] != 1 {
		t.Error("attention mask not set for CLS and words")
	}
	if ids[3] != 102 {
		t.Errorf("expected SEP 102 after words, got %d", ids[3])
	}
}

func TestSimpleTokenizerTruncates(t *testing.T) {
	tok := &SimpleTokenizer{}
	ids, _, _ := tok.Tokenize("a b c d e f g h", 4)
	if len(ids) != 4 {
		t.Fatalf("len(ids)=%d", len(ids))
	}
}

func TestHashWordDeterministic(t *testing.T) {
	if hashWord("abc") != hashWord("abc") {
		t.Error("hash not deterministic")
	}
	if hashWord("abc") < 0 {
		t.Error("hash negative")
	}
}
