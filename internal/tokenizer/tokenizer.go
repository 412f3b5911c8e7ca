// Package tokenizer encodes chat prompts and decodes generated ids for
// Hugging Face tokenizer.json BPE vocabularies.
package tokenizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// ErrUnencodable is returned when text contains a symbol with no token and
// the vocabulary has neither byte fallback nor an unknown token.
var ErrUnencodable = errors.New("tokenizer: text cannot be encoded")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mode int

const (
	modeByteLevel mode = iota
	modeMetaspace
)

const metaspace = "▁"

type pair struct{ a, b string }

type addedToken struct {
	id      int32
	content string
	special bool
}

// Tokenizer is immutable after Load and safe for concurrent use.
type Tokenizer struct {
	vocab        map[string]int32
	inv          []string
	ranks        map[pair]int
	added        []addedToken // longest content first
	addedByID    map[int32]addedToken
	mode         mode
	prependSpace bool
	splitWords   bool
	byteFallback bool
	unk          int32
	b2u          [256]rune
	u2b          map[rune]byte

	template Template
	addBOS   bool
	bos      int32
	eos      []int32

	cache      sync.Map // word -> []int32
	cached     atomic.Int64
	cacheLimit int64
}

// wordCacheLimit bounds the BPE word cache. Words past the limit are
// encoded without being remembered.
const wordCacheLimit = 1 << 15

type tokenizerFile struct {
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Normalizer   json.RawMessage `json:"normalizer"`
	PreTokenizer json.RawMessage `json:"pre_tokenizer"`
	Decoder      json.RawMessage `json:"decoder"`
	Model        struct {
		Type         string           `json:"type"`
		Vocab        map[string]int32 `json:"vocab"`
		Merges       json.RawMessage  `json:"merges"`
		ByteFallback bool             `json:"byte_fallback"`
		UnkToken     *string          `json:"unk_token"`
	} `json:"model"`
}

type tokenizerConfig struct {
	AddBOSToken  *bool           `json:"add_bos_token"`
	BOSToken     json.RawMessage `json:"bos_token"`
	EOSToken     json.RawMessage `json:"eos_token"`
	ChatTemplate json.RawMessage `json:"chat_template"`
}

// Load reads tokenizer.json and, when configPath is non-empty,
// tokenizer_config.json. templateName selects the chat template; empty means
// detect it from tokenizer_config.json.
func Load(tokenizerPath, configPath, templateName string) (*Tokenizer, error) {
	b, err := os.ReadFile(tokenizerPath)
	if err != nil {
		return nil, err
	}
	var tf tokenizerFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", tokenizerPath, err)
	}
	t, err := build(tf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tokenizerPath, err)
	}

	var tc tokenizerConfig
	if configPath != "" {
		cb, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cb, &tc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}
	if tc.AddBOSToken != nil {
		t.addBOS = *tc.AddBOSToken
	}
	if s := tokenContent(tc.BOSToken); s != "" {
		if id, ok := t.TokenID(s); ok {
			t.bos = id
		}
	}
	if s := tokenContent(tc.EOSToken); s != "" {
		if id, ok := t.TokenID(s); ok {
			t.eos = append(t.eos, id)
		}
	}
	if templateName == "" {
		templateName = string(detectTemplate(tokenContent(tc.ChatTemplate)))
	}
	tmpl, err := ParseTemplate(templateName)
	if err != nil {
		return nil, err
	}
	t.template = tmpl
	return t, nil
}

func build(tf tokenizerFile) (*Tokenizer, error) {
	if tf.Model.Type != "" && tf.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tf.Model.Type)
	}
	if len(tf.Model.Vocab) == 0 {
		return nil, errors.New("empty vocabulary")
	}
	t := &Tokenizer{
		cacheLimit:   wordCacheLimit,
		vocab:        tf.Model.Vocab,
		ranks:        make(map[pair]int),
		addedByID:    make(map[int32]addedToken),
		byteFallback: tf.Model.ByteFallback,
		unk:          -1,
		bos:          -1,
	}
	maxID := int32(-1)
	for _, id := range t.vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tf.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	t.inv = make([]string, maxID+1)
	for s, id := range t.vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative token id for %q", s)
		}
		t.inv[id] = s
	}
	for _, at := range tf.AddedTokens {
		a := addedToken{id: at.ID, content: at.Content, special: at.Special}
		t.added = append(t.added, a)
		t.addedByID[at.ID] = a
		t.inv[at.ID] = at.Content
	}
	sort.SliceStable(t.added, func(i, j int) bool { return len(t.added[i].content) > len(t.added[j].content) })

	merges, err := parseMerges(tf.Model.Merges)
	if err != nil {
		return nil, err
	}
	for i, m := range merges {
		t.ranks[m] = i
	}
	if tf.Model.UnkToken != nil {
		if id, ok := t.vocab[*tf.Model.UnkToken]; ok {
			t.unk = id
		}
	}

	pre, norm, dec := string(tf.PreTokenizer), string(tf.Normalizer), string(tf.Decoder)
	if strings.Contains(pre, `"ByteLevel"`) || strings.Contains(dec, `"ByteLevel"`) {
		t.mode = modeByteLevel
		t.b2u = bytesToUnicode()
		t.u2b = make(map[rune]byte, 256)
		for b, r := range t.b2u {
			t.u2b[r] = byte(b)
		}
	} else {
		t.mode = modeMetaspace
		t.splitWords = strings.Contains(pre, `"Metaspace"`)
		t.prependSpace = strings.Contains(norm, `"Prepend"`) ||
			(t.splitWords && !strings.Contains(pre, `"never"`) && !strings.Contains(pre, `"add_prefix_space":false`))
	}
	return t, nil
}

func parseMerges(raw json.RawMessage) ([]pair, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		out := make([]pair, 0, len(flat))
		for _, m := range flat {
			a, b, ok := strings.Cut(m, " ")
			if !ok {
				return nil, fmt.Errorf("malformed merge %q", m)
			}
			out = append(out, pair{a, b})
		}
		return out, nil
	}
	var nested [][2]string
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("parse merges: %w", err)
	}
	out := make([]pair, len(nested))
	for i, m := range nested {
		out[i] = pair{m[0], m[1]}
	}
	return out, nil
}

// tokenContent accepts a plain string or an {"content": ...} object.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
		// chat_template may be a list of named templates.
		Template string `json:"template"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Content != "" {
			return obj.Content
		}
		return obj.Template
	}
	var list []struct {
		Template string `json:"template"`
	}
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return list[0].Template
	}
	return ""
}

// TokenID looks up a vocabulary or added token.
func (t *Tokenizer) TokenID(s string) (int32, bool) {
	for _, a := range t.added {
		if a.content == s {
			return a.id, true
		}
	}
	id, ok := t.vocab[s]
	return id, ok
}

// VocabSize is one past the largest token id.
func (t *Tokenizer) VocabSize() int { return len(t.inv) }

// EOS returns end-of-sequence ids declared by tokenizer_config.json.
func (t *Tokenizer) EOS() []int32 { return append([]int32(nil), t.eos...) }

// BOS returns the beginning-of-sequence id, or -1.
func (t *Tokenizer) BOS() int32 { return t.bos }

// Template returns the chat template in use.
func (t *Tokenizer) Template() Template { return t.template }

// IsSpecial reports whether id is a special added token.
func (t *Tokenizer) IsSpecial(id int32) bool {
	a, ok := t.addedByID[id]
	return ok && a.special
}

// Encode tokenizes text. Added tokens are matched literally.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	var out []int32
	first := true
	for len(text) > 0 {
		pos, tok := t.nextAdded(text)
		seg := text[:pos]
		if seg != "" {
			ids, err := t.encodeSegment(seg, first)
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
			first = false
		}
		if tok == nil {
			break
		}
		out = append(out, tok.id)
		first = false
		text = text[pos+len(tok.content):]
	}
	return out, nil
}

// nextAdded finds the earliest added token in text, preferring the longest
// at a given offset. It returns len(text), nil when there is none.
func (t *Tokenizer) nextAdded(text string) (int, *addedToken) {
	best, bestPos := -1, len(text)
	for i := range t.added {
		c := t.added[i].content
		if c == "" {
			continue
		}
		if p := strings.Index(text, c); p >= 0 && p < bestPos {
			best, bestPos = i, p
		}
	}
	if best < 0 {
		return len(text), nil
	}
	return bestPos, &t.added[best]
}

func (t *Tokenizer) encodeSegment(seg string, first bool) ([]int32, error) {
	var words []string
	switch t.mode {
	case modeByteLevel:
		for _, w := range splitWords(seg) {
			var sb strings.Builder
			for i := 0; i < len(w); i++ {
				sb.WriteRune(t.b2u[w[i]])
			}
			words = append(words, sb.String())
		}
	case modeMetaspace:
		s := strings.ReplaceAll(seg, " ", metaspace)
		if t.prependSpace && (first || t.splitWords) && !strings.HasPrefix(s, metaspace) {
			s = metaspace + s
		}
		if t.splitWords {
			words = splitMetaspace(s)
		} else {
			words = []string{s}
		}
	}
	var out []int32
	for _, w := range words {
		ids, err := t.bpeCached(w)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

func splitMetaspace(s string) []string {
	var out []string
	start := 0
	for i := len(metaspace); i < len(s); {
		if strings.HasPrefix(s[i:], metaspace) {
			out = append(out, s[start:i])
			start = i
			i += len(metaspace)
			continue
		}
		_, n := utf8.DecodeRuneInString(s[i:])
		i += n
	}
	return append(out, s[start:])
}

func (t *Tokenizer) bpeCached(word string) ([]int32, error) {
	if v, ok := t.cache.Load(word); ok {
		return v.([]int32), nil
	}
	ids, err := t.bpe(word)
	if err != nil {
		return nil, err
	}
	if len(word) < 64 && t.cached.Load() < t.cacheLimit {
		if _, loaded := t.cache.LoadOrStore(word, ids); !loaded {
			t.cached.Add(1)
		}
	}
	return ids, nil
}

// bpe applies merges in rank order until none applies.
func (t *Tokenizer) bpe(word string) ([]int32, error) {
	syms := make([]string, 0, len(word))
	for _, r := range word {
		syms = append(syms, string(r))
	}
	for len(syms) > 1 {
		bestRank, bestIdx := -1, -1
		for i := 0; i+1 < len(syms); i++ {
			if r, ok := t.ranks[pair{syms[i], syms[i+1]}]; ok && (bestRank < 0 || r < bestRank) {
				bestRank, bestIdx = r, i
			}
		}
		if bestIdx < 0 {
			break
		}
		p := pair{syms[bestIdx], syms[bestIdx+1]}
		merged := syms[:0:0]
		for i := 0; i < len(syms); i++ {
			if i+1 < len(syms) && syms[i] == p.a && syms[i+1] == p.b {
				merged = append(merged, p.a+p.b)
				i++
				continue
			}
			merged = append(merged, syms[i])
		}
		syms = merged
	}
	out := make([]int32, 0, len(syms))
	for _, s := range syms {
		if id, ok := t.vocab[s]; ok {
			out = append(out, id)
			continue
		}
		if t.byteFallback {
			for i := 0; i < len(s); i++ {
				id, ok := t.vocab[fmt.Sprintf("<0x%02X>", s[i])]
				if !ok {
					return nil, fmt.Errorf("%w: no byte token for 0x%02X", ErrUnencodable, s[i])
				}
				out = append(out, id)
			}
			continue
		}
		if t.unk >= 0 {
			out = append(out, t.unk)
			continue
		}
		return nil, fmt.Errorf("%w: symbol %q", ErrUnencodable, s)
	}
	return out, nil
}

// Decode turns ids back into text. Invalid or incomplete UTF-8 is replaced
// with U+FFFD.
func (t *Tokenizer) Decode(ids []int32, skipSpecial bool) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.inv) {
			continue
		}
		if a, ok := t.addedByID[id]; ok {
			if skipSpecial && a.special {
				continue
			}
			buf = append(buf, a.content...)
			continue
		}
		tok := t.inv[id]
		switch t.mode {
		case modeByteLevel:
			for _, r := range tok {
				if b, ok := t.u2b[r]; ok {
					buf = append(buf, b)
				} else {
					buf = utf8.AppendRune(buf, r)
				}
			}
		case modeMetaspace:
			if b, ok := byteToken(tok); ok {
				buf = append(buf, b)
				continue
			}
			buf = append(buf, strings.ReplaceAll(tok, metaspace, " ")...)
		}
	}
	if t.mode == modeMetaspace && t.prependSpace && len(buf) > 0 && buf[0] == ' ' {
		buf = buf[1:]
	}
	return strings.ToValidUTF8(string(buf), "�")
}

// byteToken parses "<0xAB>" fallback tokens.
func byteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// bytesToUnicode is the GPT-2 byte to printable rune table.
func bytesToUnicode() [256]rune {
	var out [256]rune
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			out[b] = rune(b)
		} else {
			out[b] = rune(256 + n)
			n++
		}
	}
	return out
}
