package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/ternarybob/colligo/internal/models"
)

// Fingerprint is the three-tier identity bundle for a job record
type Fingerprint struct {
	URLHash     string `json:"url_hash"`
	ContentHash string `json:"content_hash"`
	DescHash    string `json:"desc_hash"`
}

// trackingParams are stripped from URLs before hashing. Matching is
// case-insensitive on the parameter name.
var trackingParams = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true,
	"ref": true, "src": true, "source": true, "referrer": true,
	"clickid": true, "cmp": true, "from": true,
}

// noiseTokens are removed during content normalization: seniority words and
// legal suffixes that vary between postings of the same role.
var noiseTokens = map[string]bool{
	"senior": true, "sr": true, "junior": true, "jr": true,
	"lead": true, "principal": true, "staff": true,
	"i": true, "ii": true, "iii": true, "iv": true,
	"inc": true, "llc": true, "ltd": true, "limited": true,
	"gmbh": true, "pty": true, "corp": true, "corporation": true, "co": true,
}

// cityAliases resolves common abbreviations so the same location hashes
// identically across sources.
var cityAliases = map[string]string{
	"nyc":       "new york",
	"ny":        "new york",
	"sf":        "san francisco",
	"la":        "los angeles",
	"melb":      "melbourne",
	"syd":       "sydney",
	"bne":       "brisbane",
	"remote us": "remote",
	"wfh":       "remote",
}

// NewFingerprint computes the fingerprint bundle for a job record
func NewFingerprint(job *models.JobRecord) Fingerprint {
	desc := NormalizeText(job.Description)
	if len(desc) > 500 {
		desc = desc[:500]
	}
	content := NormalizeText(job.Title) + "|" + NormalizeText(job.Company) + "|" + normalizeLocation(job.Location)
	return Fingerprint{
		URLHash:     hash64(CanonicalURL(job.URL)),
		ContentHash: hash64(content),
		DescHash:    hash64(desc),
	}
}

// CanonicalURL returns the stable key form of a URL: lowercased, tracking
// parameters stripped, fragment dropped, trailing slash trimmed. Unparseable
// input falls back to a lowercased, trimmed copy of the raw string.
func CanonicalURL(rawURL string) string {
	lowered := strings.ToLower(strings.TrimSpace(rawURL))
	u, err := url.Parse(lowered)
	if err != nil || u.Host == "" {
		return strings.TrimRight(lowered, "/")
	}

	u.Fragment = ""

	q := u.Query()
	for name := range q {
		if trackingParams[strings.ToLower(name)] {
			q.Del(name)
		}
	}
	u.RawQuery = q.Encode()

	u.Path = strings.TrimRight(u.Path, "/")

	return strings.TrimRight(u.String(), "/")
}

// NormalizeText lowercases, strips punctuation, collapses whitespace, and
// drops noise tokens
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		if noiseTokens[f] {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func normalizeLocation(location string) string {
	normalized := NormalizeText(location)
	if alias, ok := cityAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// hash64 returns the first 64 bits of SHA-256 as a hex string
func hash64(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}
