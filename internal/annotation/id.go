package annotation

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

const (
	idAlphabet = "23456789ABCDEFGHIJKLMNPQRSTUVWXYZ"
	idLength   = 8

	// bytes at or above byteLimit are redrawn so every character is equally likely
	byteLimit = 256 - 256%len(idAlphabet)
)

// NewID returns an 8 character key drawn from an alphabet without
// look-alike characters. exists may be nil; when given, candidates already in
// use are discarded.
func NewID(exists func(string) bool) string {
	for {
		id := randomKey()
		if exists == nil || !exists(id) {
			return id
		}
	}
}

func randomKey() string {
	return keyFrom(rand.Reader)
}

func keyFrom(r io.Reader) string {
	buf := make([]byte, idLength)
	out := make([]byte, 0, idLength)
	for len(out) < idLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			panic(fmt.Sprintf("annotation: read random bytes: %v", err))
		}
		for _, b := range buf {
			if int(b) >= byteLimit || len(out) == idLength {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
		}
	}
	return string(out)
}

// ValidID reports whether id could have been produced by NewID.
func ValidID(id string) bool {
	if len(id) != idLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(idAlphabet, id[i]) < 0 {
			return false
		}
	}
	return true
}
