// Package tokenizer maps text to token ids at the system edge. The
// byte-level scheme needs no vocabulary file: ids 0..255 are the raw
// byte values, followed by the BOS and EOS markers. That keeps text
// prompts usable against randomly initialized models, where a learned
// vocabulary would carry no meaning anyway.
package tokenizer

import "strings"

const (
	numBytes = 256
	bosID    = numBytes
	eosID    = numBytes + 1
)

// ByteTokenizer encodes text one byte at a time.
type ByteTokenizer struct{}

func NewByte() *ByteTokenizer { return &ByteTokenizer{} }

// VocabSize is the id space the model must cover: every byte value plus
// the two markers.
func (t *ByteTokenizer) VocabSize() int { return numBytes + 2 }

func (t *ByteTokenizer) BOS() int32 { return bosID }

func (t *ByteTokenizer) EOS() int32 { return eosID }

// Encode returns BOS followed by the UTF-8 bytes of text.
func (t *ByteTokenizer) Encode(text string) []int32 {
	ids := make([]int32, 0, len(text)+1)
	ids = append(ids, bosID)
	for i := 0; i < len(text); i++ {
		ids = append(ids, int32(text[i]))
	}
	return ids
}

// Decode reassembles text from byte ids. Marker ids and ids outside the
// vocabulary are skipped.
func (t *ByteTokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= numBytes {
			continue
		}
		sb.WriteByte(byte(id))
	}
	return sb.String()
}
