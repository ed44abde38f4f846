package ingest

import (
	"net/url"
	"sort"
	"strings"

	"github.com/stanstork/harvest-api/internal/payload"
)

type Method string

const (
	MethodDeclared  Method = "declared"
	MethodSignature Method = "signature"
	MethodURL       Method = "url"
	MethodFallback  Method = "fallback"
)

// Classification is the inferred platform of a record. Score is the number
// of signature fields matched (zero for the other methods).
type Classification struct {
	Platform string `json:"platform"`
	Score    int    `json:"score"`
	Method   Method `json:"method"`
}

func (c Classification) IsFallback() bool {
	return c.Method == MethodFallback
}

// Classifier infers the source platform of a record in three tiers:
// signature field scoring, then URL host matching, then a fixed fallback.
type Classifier struct {
	signatures     map[string]map[string]struct{}
	domains        map[string][]string
	platforms      []string
	aliases        map[string]string
	platformFields []string
	minScore       int
	fallback       string
}

func NewClassifier(rules Rules, fallback string) *Classifier {
	c := &Classifier{
		signatures:     make(map[string]map[string]struct{}, len(rules.Signatures)),
		domains:        make(map[string][]string, len(rules.Domains)),
		aliases:        make(map[string]string, len(rules.PlatformAliases)),
		platformFields: append([]string(nil), rules.PlatformFields...),
		minScore:       rules.MinSignatureScore,
	}
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			c.platforms = append(c.platforms, p)
		}
	}
	for platform, fields := range rules.Signatures {
		set := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			set[f] = struct{}{}
		}
		c.signatures[platform] = set
		add(platform)
	}
	for platform, domains := range rules.Domains {
		c.domains[platform] = append([]string(nil), domains...)
		add(platform)
	}
	for alias, platform := range rules.PlatformAliases {
		c.aliases[strings.ToLower(alias)] = platform
	}
	sort.Strings(c.platforms)

	if c.minScore <= 0 {
		c.minScore = 2
	}
	if p, ok := c.Known(fallback); ok {
		c.fallback = p
	} else {
		c.fallback = strings.ToLower(strings.TrimSpace(fallback))
	}
	return c
}

// Fallback is the platform used when nothing else matches.
func (c *Classifier) Fallback() string {
	return c.fallback
}

// Known normalizes a platform label, accepting aliases.
func (c *Classifier) Known(label string) (string, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "", false
	}
	if p, ok := c.aliases[label]; ok {
		label = p
	}
	i := sort.SearchStrings(c.platforms, label)
	if i < len(c.platforms) && c.platforms[i] == label {
		return label, true
	}
	return "", false
}

// Declared returns the platform named by the record itself, if any.
func (c *Classifier) Declared(item payload.Item) (string, bool) {
	for _, key := range c.platformFields {
		if v, ok := item.String(key); ok {
			if p, ok := c.Known(v); ok {
				return p, true
			}
		}
	}
	return "", false
}

// Classify never fails; when no tier matches it returns the fallback.
func (c *Classifier) Classify(item payload.Item) Classification {
	if p, ok := c.Declared(item); ok {
		return Classification{Platform: p, Method: MethodDeclared}
	}

	best, bestScore := "", 0
	for _, platform := range c.platforms {
		score := 0
		for field := range c.signatures[platform] {
			if _, ok := item[field]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = platform, score
		}
	}
	if bestScore >= c.minScore {
		return Classification{Platform: best, Score: bestScore, Method: MethodSignature}
	}

	if p, ok := c.byURL(item); ok {
		return Classification{Platform: p, Method: MethodURL}
	}
	return Classification{Platform: c.fallback, Method: MethodFallback}
}

func (c *Classifier) byURL(item payload.Item) (string, bool) {
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s, ok := item[k].(string)
		if !ok {
			continue
		}
		host := urlHost(s)
		if host == "" {
			continue
		}
		for _, platform := range c.platforms {
			for _, domain := range c.domains[platform] {
				if host == domain || strings.HasSuffix(host, "."+domain) {
					return platform, true
				}
			}
		}
	}
	return "", false
}

func urlHost(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
