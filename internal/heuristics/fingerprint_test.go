package heuristics

import (
	"strings"
	"testing"
)

const sampleGo = `
package main

import "fmt"

// entry point
func main() {
	total := 0
	for i := 0; i < 100; i++ {
		total += i * i
	}
	fmt.Println("sum of squares:", total)
}
`

// Same program with renamed-looking comments and reflowed whitespace. The
// normalised text is identical, so the digest short-circuit must fire.
const sampleGoReformatted = `
package main

import "fmt"

/* program entry */
func main() {
	total := 0


	for i := 0; i < 100; i++ { total += i * i }
	fmt.Println("sum of squares:",   total)
}
`

func TestNormalizeSource(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"line comment stripped", "a := 1 // counter\nb := 2", "a := 1 b := 2"},
		{"block comment stripped", "a /* noise\nmore noise */ b", "a b"},
		{"hash comment stripped", "x = 1 # python style\ny = 2", "x = 1 y = 2"},
		{"whitespace collapsed", "a\t\t b\n\n\nc", "a b c"},
		{"lowercased", "FuncName(ARG)", "funcname(arg)"},
		{"empty", "   \n\t  ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeSource(tc.in); got != tc.want {
				t.Errorf("NormalizeSource(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSimilarityIdenticalAfterNormalization(t *testing.T) {
	a := NewFingerprint(sampleGo)
	b := NewFingerprint(sampleGoReformatted)

	if a.Digest != b.Digest {
		t.Fatalf("digests differ for equivalent sources:\n  %s\n  %s", a.Digest, b.Digest)
	}
	if sim := Similarity(a, b); sim != 1.0 {
		t.Errorf("similarity of equivalent sources = %v, want 1.0", sim)
	}
}

func TestSimilarityCommutative(t *testing.T) {
	a := NewFingerprint(sampleGo)
	b := NewFingerprint(strings.Replace(sampleGo, "total", "acc", -1))
	if Similarity(a, b) != Similarity(b, a) {
		t.Errorf("similarity is not commutative: %v vs %v", Similarity(a, b), Similarity(b, a))
	}
}

func TestSimilarityEdgeCases(t *testing.T) {
	empty := NewFingerprint("")
	alsoEmpty := NewFingerprint("// only a comment\n")
	nonEmpty := NewFingerprint(sampleGo)

	if sim := Similarity(empty, alsoEmpty); sim != 1.0 {
		t.Errorf("two empty fingerprints: similarity = %v, want 1.0", sim)
	}
	if sim := Similarity(empty, nonEmpty); sim != 0.0 {
		t.Errorf("empty vs non-empty: similarity = %v, want 0.0", sim)
	}
}

func TestSimilarityUnrelatedSourcesLow(t *testing.T) {
	a := NewFingerprint(sampleGo)
	b := NewFingerprint(`
def fib(n):
    if n < 2:
        return n
    a, b = 0, 1
    for _ in range(n - 1):
        a, b = b, a + b
    return b

print([fib(i) for i in range(20)])
`)
	if sim := Similarity(a, b); sim > 0.2 {
		t.Errorf("unrelated sources: similarity = %v, want <= 0.2", sim)
	}
}

func TestWinnowShortInput(t *testing.T) {
	// Text shorter than the k-gram size still produces exactly one hash.
	fp := NewFingerprint("x=1")
	if len(fp.Hashes) != 1 {
		t.Errorf("short input fingerprint set size = %d, want 1", len(fp.Hashes))
	}
}

func TestEligibleForScan(t *testing.T) {
	cases := []struct {
		path    string
		content string
		want    bool
	}{
		{"src/main.go", "package main", true},
		{"node_modules/lodash/index.js", "x", false},
		{"web/package-lock.json", "{}", false},
		{"assets/app.min.js", "x", false},
		{"vendor/lib/lib.go", "x", false},
		{"build/dist/bundle.js", "x", false},
		{"src/big.go", strings.Repeat("a", MaxFingerprintFileBytes+1), false},
	}
	for _, tc := range cases {
		if got := EligibleForScan(tc.path, tc.content); got != tc.want {
			t.Errorf("EligibleForScan(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestCrossRepoScan(t *testing.T) {
	shared := sampleGo
	repos := []RepoFiles{
		{Key: "alice/solution", Files: map[string]string{
			"main.go":   shared,
			"helper.py": "def helper():\n    return 42\n",
		}},
		{Key: "bob/solution", Files: map[string]string{
			"cmd/main.go": shared,
			"notes.md":    "unrelated notes about the contest problem",
		}},
	}

	matches := CrossRepoScan(repos, DefaultSimilarityThreshold)
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1: %+v", len(matches), matches)
	}
	m := matches[0]
	if m.RepoA != "alice/solution" || m.RepoB != "bob/solution" {
		t.Errorf("unexpected repo pair: %s vs %s", m.RepoA, m.RepoB)
	}
	if m.PathA != "main.go" || m.PathB != "cmd/main.go" {
		t.Errorf("unexpected file pair: %s vs %s", m.PathA, m.PathB)
	}
	if !m.IdenticalContent || m.Similarity != 1.0 {
		t.Errorf("identical files: similarity = %v identical = %v", m.Similarity, m.IdenticalContent)
	}
}

func TestCrossRepoScanSkipsExtensionMismatch(t *testing.T) {
	// Identical content under different extensions is never compared; the
	// extension gate keeps cross-language false positives out.
	shared := sampleGo
	repos := []RepoFiles{
		{Key: "alice/solution", Files: map[string]string{"main.go": shared}},
		{Key: "bob/solution", Files: map[string]string{"main.py": shared}},
	}
	if matches := CrossRepoScan(repos, 0.5); len(matches) != 0 {
		t.Errorf("got %d matches across extensions, want 0", len(matches))
	}
}

func TestCrossRepoScanOrdering(t *testing.T) {
	near := strings.Replace(sampleGo, "sum of squares", "square sum", 1)
	repos := []RepoFiles{
		{Key: "alice/solution", Files: map[string]string{
			"exact.go": sampleGo,
			"near.go":  near,
		}},
		{Key: "bob/solution", Files: map[string]string{"main.go": sampleGo}},
	}

	matches := CrossRepoScan(repos, 0.1)
	if len(matches) < 2 {
		t.Fatalf("got %d matches, want at least 2", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Similarity > matches[i-1].Similarity {
			t.Errorf("matches not sorted by similarity descending at %d: %v > %v",
				i, matches[i].Similarity, matches[i-1].Similarity)
		}
	}
	if matches[0].PathA != "exact.go" {
		t.Errorf("highest match PathA = %s, want exact.go", matches[0].PathA)
	}
}

func TestKGramHashesCountCharacters(t *testing.T) {
	// 30 characters, several of them multi-byte; the window count follows
	// the character length, not the byte length.
	text := "wähle die größte primzahl aus!"
	runes := []rune(text)
	if len(runes) != 30 {
		t.Fatalf("fixture length = %d characters, want 30", len(runes))
	}
	got := kgramHashes(text, KGramSize)
	if want := len(runes) - KGramSize + 1; len(got) != want {
		t.Errorf("hash count = %d, want %d", len(got), want)
	}

	// Shorter than k characters is hashed whole, even when the byte length
	// exceeds k.
	short := strings.Repeat("ß", KGramSize-1)
	if got := kgramHashes(short, KGramSize); len(got) != 1 {
		t.Errorf("short-text hash count = %d, want 1", len(got))
	}
}
