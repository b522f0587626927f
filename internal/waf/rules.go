// Package waf inspects requests for known attack signatures and abusive
// traffic patterns, banning offending addresses.
package waf

import (
	"regexp"
)

// Category identifies a detection category.
type Category string

// Detection categories.
const (
	CategorySQLInjection     Category = "sql_injection"
	CategoryXSS              Category = "xss"
	CategoryCommandInjection Category = "command_injection"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryDDoS             Category = "ddos"
	CategoryGeoRestriction   Category = "geo_restriction"
	CategoryBadRequestRatio  Category = "bad_request_ratio"
)

// scanOrder fixes the category priority. Scanning stops at the first
// matching category; categories are not cumulative.
var scanOrder = []Category{
	CategorySQLInjection,
	CategoryXSS,
	CategoryCommandInjection,
	CategoryPathTraversal,
}

type signature struct {
	name    string
	pattern *regexp.Regexp
}

var signatureSets = map[Category][]signature{
	CategorySQLInjection: {
		{"boolean-blind", regexp.MustCompile(`(?i)('|%27)\s*(or|and)\b.{0,20}=`)},
		{"union-select", regexp.MustCompile(`(?i)\bunion\b.{0,40}\bselect\b`)},
		{"statement-keyword", regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|truncate)\b.{0,60}\b(from|into|table|where|set)\b`)},
		{"comment-terminator", regexp.MustCompile(`(?i)(--|#|/\*)\s*$|;\s*(--|#)`)},
		{"numeric-tautology", regexp.MustCompile(`(?i)\b(or|and)\b\s+\d+\s*=\s*\d+`)},
		{"stacked-query", regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop)\b`)},
	},
	CategoryXSS: {
		{"script-tag", regexp.MustCompile(`(?i)<\s*script[\s>]`)},
		{"javascript-uri", regexp.MustCompile(`(?i)javascript\s*:`)},
		{"event-handler", regexp.MustCompile(`(?i)\bon(error|load|click|focus|mouseover|submit)\s*=`)},
		{"iframe-tag", regexp.MustCompile(`(?i)<\s*iframe\b`)},
		{"dom-access", regexp.MustCompile(`(?i)document\s*\.\s*(cookie|write|location)`)},
		{"encoded-script", regexp.MustCompile(`(?i)%3c\s*script`)},
	},
	CategoryCommandInjection: {
		{"shell-chain", regexp.MustCompile(`(?i)[;&|]\s*(cat|ls|rm|wget|curl|sh|bash|nc|python|perl|powershell)\b`)},
		{"subshell", regexp.MustCompile(`\$\([^)]*\)`)},
		{"backtick", regexp.MustCompile("`[^`]+`")},
		{"sensitive-path", regexp.MustCompile(`(?i)/etc/(passwd|shadow)|/bin/(sh|bash)`)},
	},
	CategoryPathTraversal: {
		{"dot-dot-slash", regexp.MustCompile(`\.\.[/\\]`)},
		{"encoded-dot-dot", regexp.MustCompile(`(?i)(%2e){2}(%2f|%5c|[/\\])`)},
		{"nested-encoding", regexp.MustCompile(`(?i)%252e%252e`)},
	},
}

// Detection describes a signature match: the matched category and the names
// of every matching signature within it, surfaced for audit.
type Detection struct {
	Category   Category
	Signatures []string
}

// scan checks content against enabled categories in priority order and
// returns the first category with any match.
func scan(content string, enabled func(Category) bool) *Detection {
	for _, category := range scanOrder {
		if !enabled(category) {
			continue
		}
		var matched []string
		for _, sig := range signatureSets[category] {
			if sig.pattern.MatchString(content) {
				matched = append(matched, sig.name)
			}
		}
		if len(matched) > 0 {
			return &Detection{Category: category, Signatures: matched}
		}
	}
	return nil
}
