package metering

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultTracked(), DefaultExcluded())

	tests := []struct {
		path    string
		class   CostClass
		tracked bool
	}{
		{"/v1/chat/completions", ClassChatCompletion, true},
		{"/v1/chat/completions/", ClassChatCompletion, true},
		{"/v1/chat/completions/stream", ClassChatCompletion, true},
		{"/v1/embeddings", ClassEmbedding, true},
		{"/v1/images/generations", ClassImageGeneration, true},
		{"/v1/chat/completionsx", "", false},
		{"/v1/models", "", false},
		{"/v1/models/gpt-4o", "", false},
		{"/v1/billing/balance", "", false},
		{"/v1/usage", "", false},
		{"/healthz", "", false},
		{"/", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			class, tracked := c.Classify(tt.path)
			assert.Equal(t, tt.tracked, tracked)
			assert.Equal(t, tt.class, class)
		})
	}
}

func TestClassify_ExclusionWinsOverTracked(t *testing.T) {
	c := NewClassifier(
		map[string]CostClass{"/v1": ClassChatCompletion},
		[]string{"/v1/admin/"},
	)

	_, tracked := c.Classify("/v1/admin/keys")
	assert.False(t, tracked)

	class, tracked := c.Classify("/v1/anything")
	assert.True(t, tracked)
	assert.Equal(t, ClassChatCompletion, class)
}

func TestClassify_LongestPrefixWins(t *testing.T) {
	c := NewClassifier(map[string]CostClass{
		"/v1":                    ClassChatCompletion,
		"/v1/images":             ClassEmbedding,
		"/v1/images/generations": ClassImageGeneration,
	}, nil)

	class, _ := c.Classify("/v1/images/generations/hd")
	assert.Equal(t, ClassImageGeneration, class)

	class, _ = c.Classify("/v1/images/edits")
	assert.Equal(t, ClassEmbedding, class)
}

func TestClassify_DoesNotAllocate(t *testing.T) {
	c := NewClassifier(DefaultTracked(), DefaultExcluded())
	paths := []string{"/v1/chat/completions/", "/v1/models", "/unknown/path"}

	allocs := testing.AllocsPerRun(100, func() {
		for _, p := range paths {
			c.Classify(p)
		}
	})
	assert.Zero(t, allocs)
}
