// Package contextmgr estimates how many tokens a chat transcript occupies so
// a send can be refused before it overflows the model context.
package contextmgr

import (
	"hash/maphash"
	"strings"
	"sync"
	"unicode"

	"chatsync/internal/chat"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	defaultEncoding = "cl100k_base"

	// Chat Completions framing per message and per tool call.
	messageOverhead  = 4
	toolCallOverhead = 8
	fileRefOverhead  = 4
)

// o200kPrefixes are the model families tokenized with o200k_base; everything
// else is counted with cl100k_base.
var o200kPrefixes = []string{"gpt-4o", "chatgpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"}

// Tokenizer 统计对话 token 数；已持久化的消息按 id 缓存
// Tokenizer counts transcript tokens; persisted messages are cached by id
type Tokenizer struct {
	enc      *tiktoken.Tiktoken // nil: heuristic only
	encoding string
	seed     maphash.Seed

	mu    sync.Mutex
	cache map[string]cachedCount
}

type cachedCount struct {
	sum    uint64
	tokens int
}

// NewTokenizer loads the BPE ranks for encoding. When they cannot be loaded
// (offline, no cache) it counts with the heuristic instead.
func NewTokenizer(encoding string) *Tokenizer {
	t := newTokenizer(encoding)
	if enc, err := tiktoken.GetEncoding(encoding); err == nil {
		t.enc = enc
	}
	return t
}

// NewHeuristicTokenizer never touches tiktoken.
func NewHeuristicTokenizer() *Tokenizer {
	return newTokenizer("heuristic")
}

// NewTokenizerForModel picks the encoding for model.
func NewTokenizerForModel(model string) *Tokenizer {
	return NewTokenizer(modelToEncoding(model))
}

func newTokenizer(encoding string) *Tokenizer {
	return &Tokenizer{
		encoding: encoding,
		seed:     maphash.MakeSeed(),
		cache:    make(map[string]cachedCount),
	}
}

func (t *Tokenizer) IsPrecise() bool { return t.enc != nil }

// Count returns the tokens of messages. Persisted messages are counted once
// per content; the streaming message is counted on every call.
func (t *Tokenizer) Count(messages []chat.Message) int {
	total := 0
	for _, msg := range messages {
		if !msg.ServerPersisted || msg.ID == "" {
			total += t.countMessage(msg)
			continue
		}
		sum := t.contentSum(msg)
		t.mu.Lock()
		c, ok := t.cache[msg.ID]
		t.mu.Unlock()
		if !ok || c.sum != sum {
			c = cachedCount{sum: sum, tokens: t.countMessage(msg)}
			t.mu.Lock()
			t.cache[msg.ID] = c
			t.mu.Unlock()
		}
		total += c.tokens
	}
	return total
}

// CountText counts one string.
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.enc == nil {
		return heuristicTokenCount(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tokenizer) countMessage(msg chat.Message) int {
	n := messageOverhead + t.CountText(string(msg.Role))
	for _, p := range msg.Parts {
		switch part := p.(type) {
		case chat.TextPart:
			n += t.CountText(part.Text)
		case chat.ReasoningPart:
			n += t.CountText(part.Text)
		case chat.ToolCallPart:
			n += toolCallOverhead + t.CountText(part.ToolName) + t.CountText(part.Input) + t.CountText(part.Output)
		case chat.FilePart:
			n += fileRefOverhead + t.CountText(part.File.Name)
		}
	}
	return n
}

// contentSum fingerprints everything countMessage reads, so an edited message
// that keeps its id is recounted.
func (t *Tokenizer) contentSum(msg chat.Message) uint64 {
	var h maphash.Hash
	h.SetSeed(t.seed)
	h.WriteString(string(msg.Role))
	for _, p := range msg.Parts {
		h.WriteByte(0)
		switch part := p.(type) {
		case chat.TextPart:
			h.WriteString(part.Text)
		case chat.ReasoningPart:
			h.WriteString(part.Text)
		case chat.ToolCallPart:
			h.WriteString(part.ToolName)
			h.WriteString(part.Input)
			h.WriteString(part.Output)
		case chat.FilePart:
			h.WriteString(part.File.Name)
		}
	}
	return h.Sum64()
}

// heuristicTokenCount 离线估算：CJK 约 1.5 token/字，其他约 4 字符/token
// heuristicTokenCount estimates offline: ~1.5 tokens per CJK rune, ~4 other
// runes per token
func heuristicTokenCount(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return max(1, (cjk*6+other)/4)
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana) ||
		(r >= 0x3000 && r <= 0x303F) || // CJK punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // fullwidth forms
}

func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndexByte(m, '/'); i >= 0 {
		m = m[i+1:] // "openai/gpt-4o" style router names
	}
	for _, p := range o200kPrefixes {
		if strings.HasPrefix(m, p) {
			return "o200k_base"
		}
	}
	return defaultEncoding
}
