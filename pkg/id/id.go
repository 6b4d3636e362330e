// Package id generates the identifiers handed out for query jobs. Ids are ULIDs, so
// they sort by creation time and can be used directly in URLs.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func NewStringFromTime(t time.Time) (string, error) {
	mutex.Lock()
	defer mutex.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func NewString() (string, error) {
	return NewStringFromTime(time.Now())
}

// MustNewString is like NewString but panics if the entropy source is exhausted.
func MustNewString() string {
	s, err := NewString()
	if err != nil {
		panic(err)
	}

	return s
}

func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
