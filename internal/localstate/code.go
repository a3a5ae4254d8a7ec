package localstate

import (
	_ "embed"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

//go:embed words.txt
var wordsTxt string

// codeWords is the number of words in a generated deck code.
const codeWords = 5

var wordList = loadWords(wordsTxt)

func loadWords(text string) []string {
	var out []string
	for _, w := range strings.Fields(text) {
		if n := len(w); n > 3 && n < 11 {
			out = append(out, w)
		}
	}
	return out
}

// NewDeckCode returns five distinct random words joined with '+', for
// example "river+candle+otter+maple+storm".
func NewDeckCode() string {
	return newDeckCode(wordList, rand.IntN, time.Now())
}

// newDeckCode samples from words; with too few words it falls back to a
// timestamp code.
func newDeckCode(words []string, intn func(int) int, now time.Time) string {
	if len(words) < codeWords {
		return fmt.Sprintf("deck+code+%d", now.Unix())
	}
	pool := append([]string(nil), words...)
	picked := make([]string, 0, codeWords)
	for i := 0; i < codeWords; i++ {
		j := i + intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
		picked = append(picked, pool[i])
	}
	return strings.Join(picked, "+")
}
