package qcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashKeyOrderIndependentForObjects(t *testing.T) {
	t.Parallel()

	a := Key{"todos", map[string]interface{}{"page": 1, "done": true}}
	b := Key{"todos", map[string]interface{}{"done": true, "page": 1}}

	assert.Equal(t, Hash(a), Hash(b), "object key order must not affect the hash")
}

func TestHashArrayOrderMatters(t *testing.T) {
	t.Parallel()

	a := Key{"todos", []interface{}{1, 2, 3}}
	b := Key{"todos", []interface{}{3, 2, 1}}

	assert.NotEqual(t, Hash(a), Hash(b), "array order is part of a key's identity")
}

func TestHashStableAcrossCalls(t *testing.T) {
	t.Parallel()

	k := Key{"user", 42, map[string]interface{}{"a": 1, "b": []interface{}{"x", "y"}}}
	first := Hash(k)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Hash(k))
	}
}

func TestHashDistinguishesDifferentKeys(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, Hash(Key{"todos"}), Hash(Key{"users"}))
	assert.NotEqual(t, Hash(Key{"todos", 1}), Hash(Key{"todos", 2}))
}
