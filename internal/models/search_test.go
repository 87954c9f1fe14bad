package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScope(t *testing.T) {
	assert.Equal(t, "base", ScopeBase.String())
	assert.Equal(t, "one", ScopeOneLevel.String())
	assert.Equal(t, "sub", ScopeSubtree.String())
	assert.True(t, ScopeSubtree.Valid())
	assert.False(t, Scope(3).Valid())
	assert.Equal(t, "scope(3)", Scope(3).String())
}

func TestSelectsAll(t *testing.T) {
	assert.True(t, SearchSpec{}.SelectsAll())
	assert.True(t, SearchSpec{Attributes: []string{"cn", "*"}}.SelectsAll())
	assert.False(t, SearchSpec{Attributes: []string{"cn"}}.SelectsAll())
	assert.False(t, SearchSpec{Attributes: []string{"1.1"}}.SelectsAll())
}
