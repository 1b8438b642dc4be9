// Package redact removes secrets from text recorded by snaptest.
package redact

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// secretPattern matches candidate tokens for the entropy check.
var secretPattern = regexp.MustCompile(`[A-Za-z0-9/+_=-]{10,}`)

const minSecretLen = 10

// entropyThreshold is the minimum Shannon entropy, in bits per byte, for a
// token to be treated as a secret. Typical API keys score above 5.0; hex
// object hashes cannot exceed 4.
const entropyThreshold = 4.5

var (
	gitleaksDetector     *detect.Detector
	gitleaksDetectorOnce sync.Once
)

func getDetector() *detect.Detector {
	gitleaksDetectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return
		}
		gitleaksDetector = d
	})
	return gitleaksDetector
}

// region is a byte range of the input to replace.
type region struct{ start, end int }

// String replaces secrets in s with "REDACTED". A token is a secret when it
// has high entropy or matches one of the gitleaks rules.
func String(s string) string {
	regions := append(entropyRegions(s), patternRegions(s)...)
	if len(regions) == 0 {
		return s
	}

	var b strings.Builder
	prev := 0
	for _, r := range mergeRegions(regions) {
		b.WriteString(s[prev:r.start])
		b.WriteString("REDACTED")
		prev = r.end
	}
	b.WriteString(s[prev:])
	return b.String()
}

func entropyRegions(s string) []region {
	var regions []region
	for _, loc := range secretPattern.FindAllStringIndex(s, -1) {
		start := loc[0] + assignmentPrefix(s[loc[0]:loc[1]])
		if loc[1]-start >= minSecretLen && shannonEntropy(s[start:loc[1]]) > entropyThreshold {
			regions = append(regions, region{start, loc[1]})
		}
	}
	return regions
}

// assignmentPrefix returns the length of a leading "NAME=" in token, or 0.
// Trailing '=' runs are base64 padding and stay part of the value.
func assignmentPrefix(token string) int {
	i := strings.IndexByte(token, '=')
	if i <= 0 || strings.Trim(token[i:], "=") == "" {
		return 0
	}
	j := i
	for j < len(token) && token[j] == '=' {
		j++
	}
	return j
}

// patternRegions returns every occurrence of each secret gitleaks reports.
func patternRegions(s string) []region {
	d := getDetector()
	if d == nil {
		return nil
	}
	var regions []region
	for _, f := range d.DetectString(s) {
		if f.Secret == "" {
			continue
		}
		for from := 0; ; {
			idx := strings.Index(s[from:], f.Secret)
			if idx < 0 {
				break
			}
			start := from + idx
			regions = append(regions, region{start, start + len(f.Secret)})
			from = start + len(f.Secret)
		}
	}
	return regions
}

// mergeRegions sorts regions and joins the overlapping ones.
func mergeRegions(regions []region) []region {
	slices.SortFunc(regions, func(a, b region) int { return cmp.Compare(a.start, b.start) })
	merged := []region{regions[0]}
	for _, r := range regions[1:] {
		last := &merged[len(merged)-1]
		if r.start > last.end {
			merged = append(merged, r)
			continue
		}
		last.end = max(last.end, r.end)
	}
	return merged
}

// Bytes is a convenience wrapper around String for []byte content.
func Bytes(b []byte) []byte {
	s := string(b)
	redacted := String(s)
	if redacted == s {
		return b
	}
	return []byte(redacted)
}

// JSONBytes redacts string values of a JSON document in place, preserving
// its formatting. Values under identifier keys (see shouldSkipField) are kept.
func JSONBytes(b []byte) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(b, &parsed); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	repls := collectReplacements(parsed)
	if len(repls) == 0 {
		return b, nil
	}
	result := string(b)
	for _, r := range repls {
		origJSON, err := jsonEncodeString(r[0])
		if err != nil {
			return nil, err
		}
		replJSON, err := jsonEncodeString(r[1])
		if err != nil {
			return nil, err
		}
		result = strings.ReplaceAll(result, origJSON, replJSON)
	}
	return []byte(result), nil
}

// collectReplacements walks a parsed JSON value and collects unique
// (original, redacted) string pairs for values that need redaction.
func collectReplacements(v any) [][2]string {
	seen := make(map[string]bool)
	var repls [][2]string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			for k, child := range val {
				if shouldSkipField(k) {
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		case string:
			redacted := String(val)
			if redacted != val && !seen[val] {
				seen[val] = true
				repls = append(repls, [2]string{val, redacted})
			}
		}
	}
	walk(v)
	return repls
}

// shouldSkipField returns true if a JSON key holds an identifier rather than
// free text: keys ending in "id", "ids" or "hash" (case-insensitive), and the
// commit-valued "commit" and "parent".
func shouldSkipField(key string) bool {
	lower := strings.ToLower(key)
	switch lower {
	case "commit", "parent":
		return true
	}
	return strings.HasSuffix(lower, "id") || strings.HasSuffix(lower, "ids") || strings.HasSuffix(lower, "hash")
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[byte]int)
	for i := range len(s) {
		freq[s[i]]++
	}
	length := float64(len(s))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// jsonEncodeString returns the JSON encoding of s without HTML escaping.
func jsonEncodeString(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", fmt.Errorf("json encode string: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
