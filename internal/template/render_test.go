package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	vars := map[string]string{"brand": "Acme", "discount": "20%"}
	attrs := map[string]string{"first_name": "Ada"}

	got := Render("Hi {first_name}, {brand} gives you {discount} off", vars, attrs)
	assert.Equal(t, "Hi Ada, Acme gives you 20% off", got)
}

func TestRenderRecipientAttributesWin(t *testing.T) {
	vars := map[string]string{"greeting": "Hello"}
	attrs := map[string]string{"greeting": "Habari"}

	got := Render("{greeting} {first_name}", vars, attrs)
	assert.Equal(t, "Habari {first_name}", got)
}

func TestRenderUnmatchedPlaceholderStays(t *testing.T) {
	got := Render("Hi {first_name}", nil, nil)
	assert.Equal(t, "Hi {first_name}", got)
}

func TestRenderNoPlaceholders(t *testing.T) {
	got := Render("plain text", map[string]string{"x": "y"}, nil)
	assert.Equal(t, "plain text", got)
}
