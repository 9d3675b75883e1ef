package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeys(t *testing.T) *DerivedKeys {
	t.Helper()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	k, err := NewDerivedKeys(master)
	require.NoError(t, err)
	return k
}

func TestSealOpen_RoundTrip(t *testing.T) {
	keys := newKeys(t)
	b := Binding{GroupID: "family", KeyID: "k1", GuardianID: "alice", Index: 1}
	plaintext := []byte("share payload")

	env, err := Seal(keys, b, plaintext)
	require.NoError(t, err)
	assert.Len(t, env.GuardianSalt, SaltSize)
	assert.Len(t, env.GroupSalt, SaltSize)
	assert.NotEqual(t, env.GuardianSalt, env.GroupSalt)
	assert.False(t, bytes.Contains(env.Ciphertext, plaintext))

	got, err := Open(keys, b, env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpen_FailsWithWrongBindingOrKeys(t *testing.T) {
	keys := newKeys(t)
	b := Binding{GroupID: "family", KeyID: "k1", GuardianID: "alice", Index: 1}
	env, err := Seal(keys, b, []byte("share payload"))
	require.NoError(t, err)

	other := b
	other.GuardianID = "bob"
	_, err = Open(keys, other, env)
	assert.ErrorIs(t, err, ErrOpen)

	moved := b
	moved.Index = 2
	_, err = Open(keys, moved, env)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = Open(newKeys(t), b, env)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestSeal_FreshSaltsEachTime(t *testing.T) {
	keys := newKeys(t)
	b := Binding{GroupID: "family", KeyID: "k1", GuardianID: "alice", Index: 1}
	a, err := Seal(keys, b, []byte("x"))
	require.NoError(t, err)
	c, err := Seal(keys, b, []byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, a.GuardianSalt, c.GuardianSalt)
	assert.NotEqual(t, a.Ciphertext, c.Ciphertext)
}

func TestDerivedKeys_DomainSeparation(t *testing.T) {
	keys := newKeys(t)
	g, err := keys.GuardianKey("same")
	require.NoError(t, err)
	f, err := keys.GroupKey("same")
	require.NoError(t, err)
	assert.NotEqual(t, g, f)

	_, err = NewDerivedKeys([]byte("short"))
	assert.Error(t, err)
	_, err = NewDerivedKeysFromHex("zz")
	assert.Error(t, err)
}
