package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallbackRoundTrip(t *testing.T) {
	cases := []callback{
		{kind: cbBook, id: "123"},
		{kind: cbFav, id: "9"},
		{kind: cbDownload, id: "77", n: 3},
		{kind: cbPage, n: 4},
		{kind: cbFavPage, n: 0},
		{kind: cbPageSize, n: 20},
		{kind: cbNoop},
	}
	for _, c := range cases {
		data := c.String()
		assert.LessOrEqual(t, len(data), 64, data)

		got, ok := parseCallback(data)
		assert.True(t, ok, data)
		assert.Equal(t, c, got, data)
	}
}

func TestParseCallbackLegacyAndInvalid(t *testing.T) {
	got, ok := parseCallback("555")
	assert.True(t, ok)
	assert.Equal(t, callback{kind: cbBook, id: "555"}, got)

	for _, data := range []string{"", "book:", "book:abc", "dl:1", "dl:x:1", "dl:1:-1", "page:x", "page:-2", "what:1", "12a"} {
		_, ok := parseCallback(data)
		assert.False(t, ok, data)
	}
}
