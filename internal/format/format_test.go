package format

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/codectx/internal/remote"
)

func TestSnippetsEmpty(t *testing.T) {
	assert.Equal(t, NoResults, Snippets(nil))
	assert.Equal(t, NoResults, Snippets([]remote.SearchHit{}))
}

func TestSnippetsPreservesRemoteOrder(t *testing.T) {
	hits := []remote.SearchHit{
		{Path: "b/low.go", StartLine: 5, EndLine: 9, Score: 0.12, Text: "func low() {}\n"},
		{Path: "a/high.go", StartLine: 1, EndLine: 3, Score: 0.98, Text: "func high() {}\n"},
	}
	out := Snippets(hits)
	first := "### b/low.go:5-9 (score 0.120)\nfunc low() {}"
	second := "### a/high.go:1-3 (score 0.980)\nfunc high() {}"
	assert.Equal(t, first+"\n\n"+second, out)
}

func TestSnippetsDeterministic(t *testing.T) {
	hits := []remote.SearchHit{
		{Path: "x.go", StartLine: 10, EndLine: 20, Score: 0.5, Text: "body\n"},
	}
	assert.Equal(t, Snippets(hits), Snippets(hits))
}
