package namegen

import (
	"math/rand/v2"
	"strings"

	vendor "github.com/anandvarma/namegen"
)

// SuffixAlphabet avoids vowels so that suffixes never spell words.
const SuffixAlphabet = "bcdfghjklmnpqrstvwxz0123456789"

// SuffixLength is the length of suffixes appended by WithSuffix.
const SuffixLength = 10

var gen = vendor.New()

type ID string

// Get returns a human friendly random identifier, used to tell provisioner
// instances apart in scheduler metadata.
func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// Suffix returns n random characters from SuffixAlphabet.
func Suffix(n int) string {
	var b strings.Builder
	b.Grow(n)
	for range n {
		b.WriteByte(SuffixAlphabet[rand.IntN(len(SuffixAlphabet))])
	}
	return b.String()
}

// WithSuffix returns "<name>-<suffix>". Uniqueness is probabilistic only.
func WithSuffix(name string) string {
	return name + "-" + Suffix(SuffixLength)
}
