// Package metering decides which requests are billed and drives each billed
// request from admission to reconciliation. Billing faults stop here: the
// Gateway turns every store, vault or reconcile error into a logged,
// counted and published fault and lets the request through.
package metering

import (
	"sort"
	"strings"
)

// CostClass groups endpoints that share an estimate.
type CostClass string

const (
	ClassChatCompletion  CostClass = "chat-completion"
	ClassEmbedding       CostClass = "embedding"
	ClassImageGeneration CostClass = "image-generation"
)

type route struct {
	prefix string
	class  CostClass
}

// Classifier maps request paths to cost classes. Safe for concurrent use;
// it is never mutated after construction.
type Classifier struct {
	tracked  []route
	excluded []string
}

func DefaultTracked() map[string]CostClass {
	return map[string]CostClass{
		"/v1/chat/completions":   ClassChatCompletion,
		"/v1/embeddings":         ClassEmbedding,
		"/v1/images/generations": ClassImageGeneration,
	}
}

func DefaultExcluded() []string {
	return []string{"/v1/models", "/v1/billing", "/v1/admin", "/v1/usage", "/healthz", "/metrics"}
}

func NewClassifier(tracked map[string]CostClass, excluded []string) *Classifier {
	c := &Classifier{}
	for prefix, class := range tracked {
		c.tracked = append(c.tracked, route{prefix: trimSlash(prefix), class: class})
	}
	// longest prefix first so the first match is the most specific
	sort.Slice(c.tracked, func(i, j int) bool {
		if len(c.tracked[i].prefix) != len(c.tracked[j].prefix) {
			return len(c.tracked[i].prefix) > len(c.tracked[j].prefix)
		}
		return c.tracked[i].prefix < c.tracked[j].prefix
	})
	for _, p := range excluded {
		c.excluded = append(c.excluded, trimSlash(p))
	}
	return c
}

// Classify returns the cost class for path, or false when the path is not
// billed. Exclusions win over any tracked match.
func (c *Classifier) Classify(path string) (CostClass, bool) {
	path = trimSlash(path)
	for _, p := range c.excluded {
		if underPrefix(path, p) {
			return "", false
		}
	}
	for _, r := range c.tracked {
		if underPrefix(path, r.prefix) {
			return r.class, true
		}
	}
	return "", false
}

// underPrefix matches prefix exactly or at a "/" boundary, so /v1/usage
// does not cover /v1/usagereport.
func underPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func trimSlash(p string) string {
	if len(p) > 1 && p[len(p)-1] == '/' {
		return p[:len(p)-1]
	}
	return p
}
