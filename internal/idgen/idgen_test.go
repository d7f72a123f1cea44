package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	assert.True(t, Valid(id), "expected UUID, got %q", id)
	assert.NotEqual(t, id, New())
}

func TestValid_RejectsGarbage(t *testing.T) {
	assert.False(t, Valid("not-a-uuid"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("{6ba7b810-9dad-11d1-80b4-00c04fd430c8}"), "braced form is not canonical")
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixAccount)
	assert.True(t, strings.HasPrefix(id, "acct_"))
	assert.Len(t, id, len("acct_")+24)
	assert.NotEqual(t, id, WithPrefix(PrefixAccount))
}

func TestHasPrefixedForm(t *testing.T) {
	assert.True(t, HasPrefixedForm(WithPrefix(PrefixSubscription), PrefixSubscription))
	assert.True(t, HasPrefixedForm("sub_000000000000000000000000", PrefixSubscription))

	for _, bad := range []string{
		"",
		"sub_missing",
		"acct_000000000000000000000000",
		"sub_00000000000000000000000",   // 23 chars
		"sub_0000000000000000000000000", // 25 chars
		"sub_00000000000000000000000G",
		"sub_ABCDEF000000000000000000",
	} {
		assert.False(t, HasPrefixedForm(bad, PrefixSubscription), bad)
	}
}
