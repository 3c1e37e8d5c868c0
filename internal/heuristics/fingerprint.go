package heuristics

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// Code Fingerprinting Module
//
// Winnowing-based near-duplicate detection across participant repositories
// (Schleimer, Wilkerson, Aiken — "Winnowing: Local Algorithms for Document
// Fingerprinting", SIGMOD 2003).
//
// Pipeline: normalise source → slide k-gram FNV-1a hashes → winnow with a
// fixed window → Jaccard over the resulting fingerprint sets. An exact
// SHA-256 digest of the normalised text short-circuits identical files.
//
// The normalisation rules are a bit-exact schema: persisted digests depend
// on them, so changing any rule requires re-fingerprinting every stored
// repository.

const (
	// KGramSize is the k-gram length in characters.
	KGramSize = 25
	// WinnowWindow is the winnowing window size over the hash sequence.
	WinnowWindow = 4
	// MaxFingerprintFileBytes caps per-file input for cross-repo scans.
	MaxFingerprintFileBytes = 100000
	// DefaultSimilarityThreshold is the cross-repo match cutoff.
	DefaultSimilarityThreshold = 0.8
)

var (
	reLineComment  = regexp.MustCompile(`//[^\n]*`)
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reHashComment  = regexp.MustCompile(`#[^\n]*`)
	reWhitespace   = regexp.MustCompile(`\s+`)
)

// skipPathFragments are path substrings excluded from cross-repo scans:
// generated or vendored content that would produce meaningless matches.
var skipPathFragments = []string{
	"node_modules/", "package-lock.json", ".min.", "vendor/", "dist/",
}

// Fingerprint is the comparable identity of one source text.
type Fingerprint struct {
	Digest           string              `json:"digest"`
	Hashes           map[uint32]struct{} `json:"-"`
	NormalizedLength int                 `json:"normalizedLength"`
}

// NormalizeSource applies the fixed normalisation schema: strip //, /* */
// and # comments, collapse whitespace runs to a single space, lowercase,
// trim.
func NormalizeSource(src string) string {
	s := reLineComment.ReplaceAllString(src, "")
	s = reBlockComment.ReplaceAllString(s, "")
	s = reHashComment.ReplaceAllString(s, "")
	s = reWhitespace.ReplaceAllString(s, " ")
	s = strings.ToLower(s)
	return strings.TrimSpace(s)
}

// fnv1a32 hashes a byte slice with 32-bit FNV-1a.
func fnv1a32(data []byte) uint32 {
	h := uint32(0x811c9dc5)
	for _, b := range data {
		h ^= uint32(b)
		h *= 0x01000193
	}
	return h
}

// kgramHashes emits one FNV-1a hash per sliding k-gram. k counts
// characters, not bytes; each window is hashed over its UTF-8 encoding.
// Text shorter than k characters is hashed whole.
func kgramHashes(text string, k int) []uint32 {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) < k {
		return []uint32{fnv1a32([]byte(text))}
	}
	hashes := make([]uint32, 0, len(runes)-k+1)
	for i := 0; i+k <= len(runes); i++ {
		hashes = append(hashes, fnv1a32([]byte(string(runes[i:i+k]))))
	}
	return hashes
}

// winnow selects the minimum hash of each window (leftmost on ties) and
// deduplicates consecutive selections, yielding the fingerprint set.
func winnow(hashes []uint32, w int) map[uint32]struct{} {
	selected := make(map[uint32]struct{})
	if len(hashes) == 0 {
		return selected
	}
	if len(hashes) <= w {
		min := hashes[0]
		for _, h := range hashes[1:] {
			if h < min {
				min = h
			}
		}
		selected[min] = struct{}{}
		return selected
	}

	var prev uint32
	havePrev := false
	for i := 0; i+w <= len(hashes); i++ {
		min := hashes[i]
		for _, h := range hashes[i+1 : i+w] {
			if h < min {
				min = h
			}
		}
		if !havePrev || min != prev {
			selected[min] = struct{}{}
			prev = min
			havePrev = true
		}
	}
	return selected
}

// NewFingerprint normalises the source and produces its fingerprint.
func NewFingerprint(src string) Fingerprint {
	norm := NormalizeSource(src)
	sum := sha256.Sum256([]byte(norm))
	return Fingerprint{
		Digest:           hex.EncodeToString(sum[:]),
		Hashes:           winnow(kgramHashes(norm, KGramSize), WinnowWindow),
		NormalizedLength: len(norm),
	}
}

// Similarity is the Jaccard coefficient of two fingerprint sets. Matching
// digests return 1 unconditionally; two empty sets are identical, one empty
// set is maximally distant.
func Similarity(a, b Fingerprint) float64 {
	if a.Digest == b.Digest {
		return 1.0
	}
	if len(a.Hashes) == 0 && len(b.Hashes) == 0 {
		return 1.0
	}
	if len(a.Hashes) == 0 || len(b.Hashes) == 0 {
		return 0.0
	}
	inter := 0
	for h := range a.Hashes {
		if _, ok := b.Hashes[h]; ok {
			inter++
		}
	}
	union := len(a.Hashes) + len(b.Hashes) - inter
	return float64(inter) / float64(union)
}

// CompareResult is the outcome of a two-text comparison.
type CompareResult struct {
	Similarity       float64 `json:"similarity"`
	IdenticalContent bool    `json:"identicalContent"`
}

// CompareSources fingerprints and compares two raw texts.
func CompareSources(src1, src2 string) CompareResult {
	f1 := NewFingerprint(src1)
	f2 := NewFingerprint(src2)
	return CompareResult{
		Similarity:       Similarity(f1, f2),
		IdenticalContent: f1.Digest == f2.Digest,
	}
}

// RepoFiles is one repository's eligible source files for a cross-repo scan.
type RepoFiles struct {
	Key   string            // stable repo identity, e.g. "owner/repo"
	Files map[string]string // path → content
}

// CrossRepoMatch is a file pair from two different repositories whose
// similarity met the threshold.
type CrossRepoMatch struct {
	RepoA            string  `json:"repoA"`
	RepoB            string  `json:"repoB"`
	PathA            string  `json:"pathA"`
	PathB            string  `json:"pathB"`
	Similarity       float64 `json:"similarity"`
	IdenticalContent bool    `json:"identicalContent"`
}

// EligibleForScan reports whether a path/content pair participates in
// cross-repo scanning (size cap and generated-content skip list).
func EligibleForScan(path string, content string) bool {
	if len(content) > MaxFingerprintFileBytes {
		return false
	}
	for _, frag := range skipPathFragments {
		if strings.Contains(path, frag) {
			return false
		}
	}
	return true
}

// fileExt returns the lowercased last dot-separated segment of a path.
func fileExt(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(path[idx+1:])
}

type repoPrints struct {
	key    string
	paths  []string
	prints map[string]Fingerprint
}

// CrossRepoScan fingerprints every eligible file once per repo, then
// compares all inter-repo pairs with matching extensions. Matches at or
// above the threshold are returned sorted by similarity descending, with a
// stable (repoA, repoB, pathA, pathB) tiebreak.
func CrossRepoScan(repos []RepoFiles, threshold float64) []CrossRepoMatch {
	prepped := make([]repoPrints, 0, len(repos))
	for _, r := range repos {
		rp := repoPrints{key: r.Key, prints: make(map[string]Fingerprint)}
		for path, content := range r.Files {
			if !EligibleForScan(path, content) {
				continue
			}
			rp.prints[path] = NewFingerprint(content)
			rp.paths = append(rp.paths, path)
		}
		sort.Strings(rp.paths)
		prepped = append(prepped, rp)
	}

	var matches []CrossRepoMatch
	for i := 0; i < len(prepped); i++ {
		for j := i + 1; j < len(prepped); j++ {
			a, b := prepped[i], prepped[j]
			for _, pa := range a.paths {
				for _, pb := range b.paths {
					if fileExt(pa) != fileExt(pb) {
						continue
					}
					fa, fb := a.prints[pa], b.prints[pb]
					sim := Similarity(fa, fb)
					if sim < threshold {
						continue
					}
					matches = append(matches, CrossRepoMatch{
						RepoA:            a.key,
						RepoB:            b.key,
						PathA:            pa,
						PathB:            pb,
						Similarity:       sim,
						IdenticalContent: fa.Digest == fb.Digest,
					})
				}
			}
		}
	}

	sort.Slice(matches, func(x, y int) bool {
		mx, my := matches[x], matches[y]
		if mx.Similarity != my.Similarity {
			return mx.Similarity > my.Similarity
		}
		if mx.RepoA != my.RepoA {
			return mx.RepoA < my.RepoA
		}
		if mx.RepoB != my.RepoB {
			return mx.RepoB < my.RepoB
		}
		if mx.PathA != my.PathA {
			return mx.PathA < my.PathA
		}
		return mx.PathB < my.PathB
	})
	return matches
}
