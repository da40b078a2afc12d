package chatgate

import (
	"strings"
	"unicode"
)

// Bucket is a canonical billing category for model identifiers.
type Bucket string

const (
	BucketGPT41Nano    Bucket = "gpt_4_1_nano"
	BucketGPT41Mini    Bucket = "gpt_4_1_mini"
	BucketGPT41        Bucket = "gpt_4_1"
	BucketGPT4oMini    Bucket = "gpt_4o_mini"
	BucketGPT4o        Bucket = "gpt_4o"
	BucketO4Mini       Bucket = "o4_mini"
	BucketO3Mini       Bucket = "o3_mini"
	BucketO3           Bucket = "o3"
	BucketO1Mini       Bucket = "o1_mini"
	BucketO1           Bucket = "o1"
	BucketGPT4         Bucket = "gpt_4"
	BucketGPT35        Bucket = "gpt_3_5"
	BucketClaudeOpus   Bucket = "claude_opus"
	BucketClaudeSonnet Bucket = "claude_sonnet"
	BucketClaudeHaiku  Bucket = "claude_haiku"
	BucketGeminiFlash  Bucket = "gemini_flash"
	BucketGeminiPro    Bucket = "gemini_pro"
	BucketDeepSeek     Bucket = "deepseek"
	BucketLlama        Bucket = "llama"
	BucketMistral      Bucket = "mistral"
	BucketCustom       Bucket = "custom"
)

// EnvName returns the bucket name as used in limit environment variables,
// e.g. "GPT_4O_MINI".
func (b Bucket) EnvName() string { return strings.ToUpper(string(b)) }

// bucketPredicate maps a normalized token sequence to a bucket. The pattern
// matches only on "-" boundaries of the normalized identifier; a family
// predicate only needs the leading boundary ("llama" matches "llama3-1-8b").
type bucketPredicate struct {
	pattern string
	bucket  Bucket
	family  bool
}

// bucketPredicates is evaluated in order; the first match wins. A pattern
// that is contained in a later one must come after it.
var bucketPredicates = []bucketPredicate{
	{"gpt-4-1-nano", BucketGPT41Nano, false},
	{"gpt-4-1-mini", BucketGPT41Mini, false},
	{"gpt-4-1", BucketGPT41, false},
	{"gpt-4o-mini", BucketGPT4oMini, false},
	{"chatgpt-4o", BucketGPT4o, false},
	{"gpt-4o", BucketGPT4o, false},
	{"o4-mini", BucketO4Mini, false},
	{"o3-mini", BucketO3Mini, false},
	{"o3", BucketO3, false},
	{"o1-mini", BucketO1Mini, false},
	{"o1", BucketO1, false},
	{"gpt-4", BucketGPT4, false},
	{"gpt-3-5", BucketGPT35, false},
	{"opus", BucketClaudeOpus, false},
	{"sonnet", BucketClaudeSonnet, false},
	{"haiku", BucketClaudeHaiku, false},
	{"flash", BucketGeminiFlash, false},
	{"gemini", BucketGeminiPro, true},
	{"deepseek", BucketDeepSeek, true},
	{"llama", BucketLlama, true},
	{"mixtral", BucketMistral, true},
	{"mistral", BucketMistral, true},
}

// KnownBuckets returns every bucket the canonicalizer can produce, including
// BucketCustom, in predicate order without duplicates.
func KnownBuckets() []Bucket {
	seen := make(map[Bucket]bool, len(bucketPredicates)+1)
	out := make([]Bucket, 0, len(bucketPredicates)+1)
	for _, p := range bucketPredicates {
		if !seen[p.bucket] {
			seen[p.bucket] = true
			out = append(out, p.bucket)
		}
	}
	return append(out, BucketCustom)
}

// NormalizeModelName case-folds raw and collapses every run of
// non-alphanumeric characters to a single "-".
func NormalizeModelName(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	pendingSep := false
	for _, r := range strings.ToLower(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// Canonicalize maps a free-form model identifier to its billing bucket.
// Unknown identifiers map to BucketCustom.
func Canonicalize(raw string) Bucket {
	normalized := NormalizeModelName(raw)
	if normalized == "" {
		return BucketCustom
	}
	bounded := "-" + normalized + "-"
	for _, p := range bucketPredicates {
		needle := "-" + p.pattern
		if !p.family {
			needle += "-"
		}
		if strings.Contains(bounded, needle) {
			return p.bucket
		}
	}
	return BucketCustom
}
