package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanAttribute(t *testing.T) {
	assert.Equal(t, "LAPTOP-01", CleanAttribute("  LAPTOP-01\r\n"))
	assert.Equal(t, "ab", CleanAttribute("a\tb"))
	assert.Equal(t, "", CleanAttribute(" \x00 "))
}

func TestContainsSuspicious(t *testing.T) {
	assert.False(t, ContainsSuspicious("alice.smith@example.com"))
	assert.True(t, ContainsSuspicious("<img onerror=x>"))
	assert.True(t, ContainsSuspicious("${jndi:ldap://x}"))
	assert.True(t, ContainsSuspicious("SCRIPT"))
}
