// Package credential derives the HCS code from a profile's test results.
//
// The code is a pure function of the result set: the same results always give
// the same string, so it can seed mission key derivation.
package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/harrylevesque/hcsguard/internal/features"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

const (
	Prefix    = "HCS-U7"
	Version   = "8.0"
	Algorithm = "HS256"

	// DefaultMinTestTypes is the number of distinct test types required.
	DefaultMinTestTypes = 5

	sigHexLen  = 16
	hashHexLen = 16
)

// Vector holds the five bounded sub-scores.
type Vector struct {
	F  int // fine motor / precision
	C  int // cognitive / inhibition accuracy
	V  int // velocity
	S  int // stability
	Cr int // pattern + memory + reaction consistency
}

func (v Vector) String() string {
	return fmt.Sprintf("F%dC%dV%dS%dCr%d", v.F, v.C, v.V, v.S, v.Cr)
}

func (v Vector) values() []float64 {
	return []float64{float64(v.F), float64(v.C), float64(v.V), float64(v.S), float64(v.Cr)}
}

// Modality weights carried in the MOD field.
type Modality struct {
	Consistency int
	Flex        int
	Offset      int
}

// Generator builds credentials with a fixed signing key.
type Generator struct {
	signingKey []byte
	minTypes   int
}

// NewGenerator returns a Generator. minTypes < 1 selects DefaultMinTestTypes.
func NewGenerator(signingKey string, minTypes int) *Generator {
	if minTypes < 1 {
		minTypes = DefaultMinTestTypes
	}
	return &Generator{signingKey: []byte(signingKey), minTypes: minTypes}
}

// Generate returns the HCS code for results, or utils.ErrInsufficientTests when
// fewer than the minimum number of distinct test types are present. A result
// with an unknown type or an out-of-range score fails with utils.ErrInvalidInput.
func (g *Generator) Generate(results []models.TestResult) (string, error) {
	for i, r := range results {
		if err := r.Validate(); err != nil {
			return "", fmt.Errorf("credential: result %d: %v: %w", i, err, utils.ErrInvalidInput)
		}
	}
	profile := features.Aggregate("", results)
	if n := profile.DistinctTypes(); n < g.minTypes {
		return "", fmt.Errorf("credential: %d distinct test types, need %d: %w", n, g.minTypes, utils.ErrInsufficientTests)
	}
	return g.FromProfile(profile), nil
}

// FromProfile assembles the HCS code for an already aggregated profile.
// It does not enforce the minimum test count.
func (g *Generator) FromProfile(p models.CognitiveProfile) string {
	vec := SubScores(p)
	cog := vec.String()
	mod := modality(vec)
	return strings.Join([]string{
		Prefix,
		"V:" + Version,
		"ALG:" + Algorithm,
		"E:" + strconv.Itoa(energy(vec)),
		fmt.Sprintf("MOD:c%df%dm%d", mod.Consistency, mod.Flex, mod.Offset),
		"COG:" + cog,
		"QSIG:" + g.sign(cog),
		"B3:" + contentHash(cog),
	}, "|")
}

func (g *Generator) sign(vector string) string {
	mac := hmac.New(sha256.New, g.signingKey)
	mac.Write([]byte(vector))
	return hex.EncodeToString(mac.Sum(nil))[:sigHexLen]
}

func contentHash(vector string) string {
	sum := sha256.Sum256([]byte(vector))
	return hex.EncodeToString(sum[:])[:hashHexLen]
}

// SubScores maps the profile onto the F/C/V/S/Cr vector. Every component is in [0,100].
func SubScores(p models.CognitiveProfile) Vector {
	rtConsistency := 0.0
	if p.Has(models.TestReaction) && p.ReactionTime.Mean > 0 {
		rtConsistency = clamp(100 - 100*p.ReactionTime.Std/p.ReactionTime.Mean)
	}

	var f float64
	if p.Has(models.TestTracing) {
		f = 0.8*p.Precision.Mean + 0.2*(100-math.Min(p.Precision.Std, 100))
	}

	c := weighted(
		part{p.Stroop, 1, p.Has(models.TestStroop)},
		part{p.Visual, 1, p.Has(models.TestColor)},
	)

	var v float64
	if p.Has(models.TestReaction) {
		rt := clamp(100 * (1 - (p.ReactionTime.Mean-150)/850))
		v = weighted(part{rt, 0.7, true}, part{p.Coordination, 0.3, p.Has(models.TestCoordination)})
	}

	var s float64
	switch {
	case p.Has(models.TestScroll):
		s = p.Scroll
	case p.Has(models.TestTracing):
		s = clamp(100 - 2*p.Precision.Std)
	case p.Has(models.TestReaction):
		s = rtConsistency
	}

	cr := weighted(
		part{p.Pattern, 0.4, p.Has(models.TestPattern)},
		part{p.Memory, 0.4, p.Has(models.TestMemory)},
		part{rtConsistency, 0.2, p.Has(models.TestReaction)},
	)

	return Vector{F: round(f), C: round(c), V: round(v), S: round(s), Cr: round(cr)}
}

type part struct {
	value   float64
	weight  float64
	present bool
}

// weighted averages the present parts, renormalising their weights.
func weighted(parts ...part) float64 {
	var sum, w float64
	for _, p := range parts {
		if p.present {
			sum += p.value * p.weight
			w += p.weight
		}
	}
	if w == 0 {
		return 0
	}
	return sum / w
}

func energy(v Vector) int {
	return round(features.Mean(v.values()))
}

func modality(v Vector) Modality {
	vals := v.values()
	lo, hi, sum := vals[0], vals[0], 0.0
	for _, x := range vals {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
		sum += x
	}
	return Modality{
		Consistency: round(100 - features.StdDev(vals)),
		Flex:        int(hi - lo),
		Offset:      int(sum) % 100,
	}
}

func round(x float64) int { return int(math.Round(clamp(x))) }

func clamp(x float64) float64 { return math.Max(0, math.Min(100, x)) }

// Parsed is the decomposed form of an HCS code.
type Parsed struct {
	Version   string
	Algorithm string
	Energy    int
	Modality  Modality
	Vector    Vector
	Signature string
	Hash      string
}

var (
	modRe = regexp.MustCompile(`^MOD:c(\d+)f(\d+)m(\d+)$`)
	cogRe = regexp.MustCompile(`^COG:F(\d+)C(\d+)V(\d+)S(\d+)Cr(\d+)$`)
)

// Parse splits an HCS code into its fields. It checks structure only.
func Parse(code string) (Parsed, error) {
	var p Parsed
	parts := strings.Split(code, "|")
	if len(parts) != 8 || parts[0] != Prefix {
		return p, fmt.Errorf("credential: malformed code: %w", utils.ErrInvalidInput)
	}
	field := func(s, key string) (string, bool) {
		return strings.CutPrefix(s, key+":")
	}
	var ok bool
	if p.Version, ok = field(parts[1], "V"); !ok {
		return p, fmt.Errorf("credential: missing version: %w", utils.ErrInvalidInput)
	}
	if p.Algorithm, ok = field(parts[2], "ALG"); !ok {
		return p, fmt.Errorf("credential: missing algorithm: %w", utils.ErrInvalidInput)
	}
	e, ok := field(parts[3], "E")
	if !ok {
		return p, fmt.Errorf("credential: missing energy: %w", utils.ErrInvalidInput)
	}
	var err error
	if p.Energy, err = strconv.Atoi(e); err != nil {
		return p, fmt.Errorf("credential: energy: %w", utils.ErrInvalidInput)
	}
	m := modRe.FindStringSubmatch(parts[4])
	c := cogRe.FindStringSubmatch(parts[5])
	if m == nil || c == nil {
		return p, fmt.Errorf("credential: malformed MOD/COG: %w", utils.ErrInvalidInput)
	}
	p.Modality = Modality{Consistency: atoi(m[1]), Flex: atoi(m[2]), Offset: atoi(m[3])}
	p.Vector = Vector{F: atoi(c[1]), C: atoi(c[2]), V: atoi(c[3]), S: atoi(c[4]), Cr: atoi(c[5])}
	if p.Signature, ok = field(parts[6], "QSIG"); !ok {
		return p, fmt.Errorf("credential: missing signature: %w", utils.ErrInvalidInput)
	}
	if p.Hash, ok = field(parts[7], "B3"); !ok {
		return p, fmt.Errorf("credential: missing hash: %w", utils.ErrInvalidInput)
	}
	return p, nil
}

// Verify reports whether the signature and hash embedded in code match its vector.
func (g *Generator) Verify(code string) bool {
	p, err := Parse(code)
	if err != nil {
		return false
	}
	cog := p.Vector.String()
	return hmac.Equal([]byte(p.Signature), []byte(g.sign(cog))) && p.Hash == contentHash(cog)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
