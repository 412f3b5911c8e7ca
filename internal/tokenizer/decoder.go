package tokenizer

import "strings"

// Decoder turns a growing id sequence into text deltas. It re-decodes a
// short window so that merged whitespace and multi-token characters come
// out right, and holds back output that ends in an incomplete UTF-8
// sequence.
type Decoder struct {
	t      *Tokenizer
	ids    []int32
	prefix int
	read   int
}

// NewDecoder returns a Decoder that skips special tokens.
func (t *Tokenizer) NewDecoder() *Decoder { return &Decoder{t: t} }

// Push appends id and returns the text it completes, possibly empty.
func (d *Decoder) Push(id int32) string {
	d.ids = append(d.ids, id)
	prev := d.t.Decode(d.ids[d.prefix:d.read], true)
	cur := d.t.Decode(d.ids[d.prefix:], true)
	if len(cur) <= len(prev) || strings.HasSuffix(cur, "�") || !strings.HasPrefix(cur, prev) {
		return ""
	}
	d.prefix, d.read = d.read, len(d.ids)
	return cur[len(prev):]
}

// Flush returns any held-back text and resets the window.
func (d *Decoder) Flush() string {
	prev := d.t.Decode(d.ids[d.prefix:d.read], true)
	cur := d.t.Decode(d.ids[d.prefix:], true)
	d.prefix, d.read = len(d.ids), len(d.ids)
	if len(cur) <= len(prev) || !strings.HasPrefix(cur, prev) {
		return ""
	}
	return cur[len(prev):]
}
