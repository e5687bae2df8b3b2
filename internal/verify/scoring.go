package verify

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"slipdesk/internal/common/money"
)

// Match is a tri-state check outcome. Unknown means the check could not be
// performed (e.g. the provider returned no name) and is distinct from a
// failed check.
type Match string

const (
	MatchTrue    Match = "true"
	MatchFalse   Match = "false"
	MatchUnknown Match = "unknown"
)

// Decision is the outcome of scoring a verification result.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReview  Decision = "review"
	DecisionReject  Decision = "reject"
)

// Machine-readable decision reasons.
const (
	ReasonAutoApproved    = "auto_approved"
	ReasonDuplicateSlip   = "duplicate_slip"
	ReasonAccountMismatch = "account_mismatch"
	ReasonAmountMismatch  = "amount_mismatch"
	ReasonNameMismatch    = "name_mismatch"
	ReasonAboveCeiling    = "amount_above_auto_approve_ceiling"
	ReasonLowScore        = "score_below_threshold"
)

// ScoringConfig holds the weights and thresholds for the scoring engine.
// It is loaded once and injected as an immutable snapshot; changing a
// threshold means constructing a new Scorer.
type ScoringConfig struct {
	WeightAccount   float64 `envconfig:"SCORE_WEIGHT_ACCOUNT" default:"0.45"`
	WeightAmount    float64 `envconfig:"SCORE_WEIGHT_AMOUNT" default:"0.35"`
	WeightName      float64 `envconfig:"SCORE_WEIGHT_NAME" default:"0.05"`
	WeightProvider  float64 `envconfig:"SCORE_WEIGHT_PROVIDER" default:"0.10"`
	WeightDuplicate float64 `envconfig:"SCORE_WEIGHT_DUPLICATE" default:"0.05"`

	MinAutoApproveScore     float64 `envconfig:"SCORE_MIN_AUTO_APPROVE" default:"0.80"`
	AutoApproveCeilingMinor int64   `envconfig:"SCORE_AUTO_APPROVE_CEILING_MINOR" default:"1000000"`
	NameSimilarityThreshold float64 `envconfig:"SCORE_NAME_SIMILARITY_THRESHOLD" default:"0.5"`
	AmountToleranceMinor    int64   `envconfig:"SCORE_AMOUNT_TOLERANCE_MINOR" default:"1"`
	TolerateNameMismatch    bool    `envconfig:"SCORE_TOLERATE_NAME_MISMATCH" default:"false"`
}

// Validate checks that the weights form a proper distribution.
func (c ScoringConfig) Validate() error {
	sum := c.WeightAccount + c.WeightAmount + c.WeightName + c.WeightProvider + c.WeightDuplicate
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.4f", sum)
	}
	if c.MinAutoApproveScore <= 0 || c.MinAutoApproveScore > 1 {
		return fmt.Errorf("min auto-approve score must be in (0,1], got %.4f", c.MinAutoApproveScore)
	}
	return nil
}

// Expected carries the values the slip must be checked against.
type Expected struct {
	AccountNumber string
	AccountName   string
	Amount        money.Money
}

// Assessment is the full scoring outcome for one verification result.
type Assessment struct {
	AccountMatch    Match    `json:"account_match"`
	AmountMatch     Match    `json:"amount_match"`
	NameMatch       Match    `json:"name_match"`
	DuplicatePassed bool     `json:"duplicate_passed"`
	Score           float64  `json:"score"`
	Decision        Decision `json:"decision"`
	Reason          string   `json:"reason"`
}

// Scorer turns a normalized provider result into an auto-approval decision.
type Scorer struct {
	cfg ScoringConfig
}

// NewScorer creates a scorer from a validated config.
func NewScorer(cfg ScoringConfig) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Assess scores a verification result against the expected account and
// amount. duplicatePassed is the platform-side transaction-id check: false
// means the slip was already seen.
//
// An unknown name match is treated as neutral: its weight is removed from
// the denominator, so a missing name neither earns nor costs points.
func (s *Scorer) Assess(res *Result, exp Expected, duplicatePassed bool) Assessment {
	a := Assessment{
		AccountMatch:    matchAccount(res.Receiver.Account, exp.AccountNumber),
		AmountMatch:     s.matchAmount(res.Amount, exp.Amount),
		NameMatch:       s.matchName(res.Receiver.Name, exp.AccountName),
		DuplicatePassed: duplicatePassed,
	}

	var num, den float64

	den += s.cfg.WeightAccount
	if a.AccountMatch == MatchTrue {
		num += s.cfg.WeightAccount
	}

	den += s.cfg.WeightAmount
	if a.AmountMatch == MatchTrue {
		num += s.cfg.WeightAmount
	}

	if a.NameMatch != MatchUnknown {
		den += s.cfg.WeightName
		if a.NameMatch == MatchTrue {
			num += s.cfg.WeightName
		}
	}

	den += s.cfg.WeightProvider
	num += s.cfg.WeightProvider * clamp01(res.ProviderConfidence)

	den += s.cfg.WeightDuplicate
	if duplicatePassed {
		num += s.cfg.WeightDuplicate
	}

	a.Score = num / den

	a.Decision, a.Reason = s.decide(a, exp.Amount)
	return a
}

// decide applies the auto-approval policy. Hard mismatches reject; soft
// failures (ceiling, score, name) hold for manual review.
func (s *Scorer) decide(a Assessment, amount money.Money) (Decision, string) {
	if !a.DuplicatePassed {
		return DecisionReject, ReasonDuplicateSlip
	}
	if a.AccountMatch == MatchFalse {
		return DecisionReject, ReasonAccountMismatch
	}
	if a.AmountMatch == MatchFalse {
		return DecisionReject, ReasonAmountMismatch
	}
	if a.NameMatch == MatchFalse && !s.cfg.TolerateNameMismatch {
		return DecisionReview, ReasonNameMismatch
	}
	if amount.AmountMinor > s.cfg.AutoApproveCeilingMinor {
		return DecisionReview, ReasonAboveCeiling
	}
	if a.Score < s.cfg.MinAutoApproveScore {
		return DecisionReview, ReasonLowScore
	}
	return DecisionApprove, ReasonAutoApproved
}

// matchAccount compares account numbers after stripping separators and
// mask characters. The provider may return a partially masked number, so
// substring containment in either direction counts as a match.
func matchAccount(got, expected string) Match {
	g := normalizeAccount(got)
	e := normalizeAccount(expected)
	if g == "" || e == "" {
		return MatchFalse
	}
	if strings.Contains(g, e) || strings.Contains(e, g) {
		return MatchTrue
	}
	return MatchFalse
}

func normalizeAccount(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Scorer) matchAmount(got, expected money.Money) Match {
	if got.Currency != expected.Currency {
		return MatchFalse
	}
	if got.AbsDiffMinor(expected) <= s.cfg.AmountToleranceMinor {
		return MatchTrue
	}
	return MatchFalse
}

// matchName compares account-holder names. Empty input on either side is
// unknown, not a mismatch. Otherwise: exact equality after normalization,
// falling back to normalized edit-distance similarity.
func (s *Scorer) matchName(got, expected string) Match {
	g := normalizeName(got)
	e := normalizeName(expected)
	if g == "" || e == "" {
		return MatchUnknown
	}
	if g == e {
		return MatchTrue
	}
	if nameSimilarity(g, e) >= s.cfg.NameSimilarityThreshold {
		return MatchTrue
	}
	return MatchFalse
}

// normalizeName lower-cases and strips everything that is not a letter.
// NFC normalization first, so composed and decomposed Thai or Latin input
// compare equal.
func normalizeName(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// nameSimilarity returns 1 - editDistance/maxLen over runes.
func nameSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 0
	}
	return 1.0 - float64(editDistance(ra, rb))/float64(maxLen)
}

// editDistance is the alignment distance between two rune slices:
// insertions and deletions cost 1, a substitution counts as a delete plus
// an insert. Stricter than plain Levenshtein on short names, which keeps
// unrelated names like somchai/wichai below the similarity threshold.
func editDistance(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1]
			} else {
				del := prev[j] + 1
				ins := curr[j-1] + 1
				sub := prev[j-1] + 2
				curr[j] = del
				if ins < curr[j] {
					curr[j] = ins
				}
				if sub < curr[j] {
					curr[j] = sub
				}
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
