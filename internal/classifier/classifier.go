// Package classifier scores the sentiment of the message that accompanies
// an upload. Negative messages are refused admission.
package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jonreiter/govader"
	"golang.org/x/text/unicode/norm"
)

// Labels.
const (
	Positive = "positive"
	Negative = "negative"
	Neutral  = "neutral"
)

// Compound scores strictly beyond these bounds are labelled positive or negative.
const (
	PositiveThreshold = 0.05
	NegativeThreshold = -0.05
)

// customValence is assigned to configured words.
const customValence = 2.0

// Scores are the proportions of positive, neutral and negative tokens plus
// the normalized compound score. Emoji adjustments may push Compound past
// [-1, 1].
type Scores struct {
	Neg      float64 `json:"neg"`
	Neu      float64 `json:"neu"`
	Pos      float64 `json:"pos"`
	Compound float64 `json:"compound"`
}

// Map returns the scores keyed the way they are stored and reported.
func (s Scores) Map() map[string]float64 {
	return map[string]float64{"neg": s.Neg, "neu": s.Neu, "pos": s.Pos, "compound": s.Compound}
}

// Classification is the outcome for one text.
type Classification struct {
	Label  string `json:"sentiment"`
	Scores Scores `json:"score"`
}

// Classifier is the text classification collaborator.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Lexicon classifies text with the VADER lexicon and rules, plus configured
// words and a fixed set of emoji adjustments.
//
// The analyzer is only read after construction, so a Lexicon is safe for
// concurrent use.
type Lexicon struct {
	sia   *govader.SentimentIntensityAnalyzer
	emoji map[rune]float64
}

// NewLexicon loads the VADER lexicon and extends it with extra positive and
// negative words.
func NewLexicon(positive, negative []string) *Lexicon {
	sia := govader.NewSentimentIntensityAnalyzer()
	for _, w := range positive {
		sia.Lexicon[lexiconKey(w)] = customValence
	}
	for _, w := range negative {
		sia.Lexicon[lexiconKey(w)] = -customValence
	}
	return &Lexicon{sia: sia, emoji: defaultEmoji}
}

func (l *Lexicon) Classify(ctx context.Context, text string) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, fmt.Errorf("classifier: %w", err)
	}

	text, adjust := l.prepare(text)

	var s Scores
	if text != "" {
		vs := l.sia.PolarityScores(text)
		s = Scores{
			Neg:      round(vs.Negative),
			Neu:      round(vs.Neutral),
			Pos:      round(vs.Positive),
			Compound: vs.Compound,
		}
	}
	s.Compound = round(s.Compound + adjust)

	return Classification{Label: label(s.Compound), Scores: s}, nil
}

// prepare composes the text, straightens apostrophes, pulls out scored emoji
// and rewrites unknown plurals to their lexicon form. It returns the text for
// the analyzer and the summed emoji adjustment.
func (l *Lexicon) prepare(text string) (string, float64) {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "’", "'")

	var adjust float64
	text = strings.Map(func(r rune) rune {
		if v, ok := l.emoji[r]; ok {
			adjust += v
			return ' '
		}
		return r
	}, text)

	fields := strings.Fields(text)
	for i, f := range fields {
		fields[i] = l.singular(f)
	}
	return strings.Join(fields, " "), adjust
}

// singular maps a token whose word is missing from the lexicon to its
// singular form when that form is present, keeping case and punctuation.
func (l *Lexicon) singular(token string) string {
	start := strings.IndexFunc(token, func(r rune) bool { return !strings.ContainsRune(wordPunctuation, r) })
	if start < 0 {
		return token
	}
	end := strings.LastIndexFunc(token, func(r rune) bool { return !strings.ContainsRune(wordPunctuation, r) })
	word := token[start : end+1]
	lower := strings.ToLower(word)
	if _, ok := l.sia.Lexicon[lower]; ok {
		return token
	}

	for _, sfx := range pluralSuffixes {
		if len(lower) <= len(sfx[0])+1 || !strings.HasSuffix(lower, sfx[0]) {
			continue
		}
		stem := lower[:len(lower)-len(sfx[0])] + sfx[1]
		if _, ok := l.sia.Lexicon[stem]; ok {
			// Suffixes are ASCII, so byte offsets in word and lower agree.
			kept := word[:len(word)-len(sfx[0])] + sfx[1]
			return token[:start] + kept + token[end+1:]
		}
	}
	return token
}

// lexiconKey is how the analyzer looks words up: composed and lower case.
func lexiconKey(w string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(w)))
}

func label(compound float64) string {
	switch {
	case compound > PositiveThreshold:
		return Positive
	case compound < NegativeThreshold:
		return Negative
	default:
		return Neutral
	}
}

func round(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
