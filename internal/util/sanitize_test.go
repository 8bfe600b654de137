package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "trader@example.com", NormalizeEmail("  Trader@Example.COM "))
}

func TestIsValidEmail(t *testing.T) {
	assert.True(t, IsValidEmail("trader@example.com"))
	assert.False(t, IsValidEmail("not-an-email"))
	assert.False(t, IsValidEmail(""))
}

func TestIsValidUsername(t *testing.T) {
	assert.True(t, IsValidUsername("trader1"))
	assert.True(t, IsValidUsername("trader_one-2"))

	assert.False(t, IsValidUsername("ab"), "too short")
	assert.False(t, IsValidUsername("_leading"), "cannot start with separator")
	assert.False(t, IsValidUsername("has space"))
	assert.False(t, IsValidUsername("has<script>"))
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<script>alert(1)</script>"))
	assert.True(t, ContainsSuspicious("${injection}"))
	assert.False(t, ContainsSuspicious("plain old text"))
}
