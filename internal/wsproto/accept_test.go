package wsproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcceptKey_RFC6455Example(t *testing.T) {
	// Example lifted directly from RFC 6455 §1.3.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestAcceptKey_Deterministic(t *testing.T) {
	a := AcceptKey("some-client-key==")
	b := AcceptKey("some-client-key==")
	assert.Equal(t, a, b)
}

func TestAcceptKey_DifferentInputsDiffer(t *testing.T) {
	a := AcceptKey("key-one")
	b := AcceptKey("key-two")
	assert.NotEqual(t, a, b)
}
