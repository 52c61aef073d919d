// Package textproc holds the local text post-processing applied to
// transcripts and model output: repeated-fragment dedupe, mode-specific
// formatting, and the normalization used to judge two outputs as
// effectively unchanged.
package textproc

import (
	"strings"
	"unicode"

	"github.com/scrybelabs/scrybe-core/internal/config"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
)

const maxDedupeNGram = 4

// DedupeFragments removes immediately repeated word sequences, the typical
// artifact of chunked ASR stitched at overlap boundaries ("the the",
// "over there over there").
func DedupeFragments(s string) string {
	words := strings.Fields(s)
	if len(words) < 2 {
		return strings.TrimSpace(s)
	}

	for n := maxDedupeNGram; n >= 1; n-- {
		words = dropRepeatedNGrams(words, n)
	}
	return strings.Join(words, " ")
}

func dropRepeatedNGrams(words []string, n int) []string {
	out := words[:0:0]
	i := 0
	for i < len(words) {
		if i+2*n <= len(words) && ngramsEqual(words[i:i+n], words[i+n:i+2*n]) {
			out = append(out, words[i:i+n]...)
			i += 2 * n
			// Swallow further repeats of the same n-gram.
			for i+n <= len(words) && ngramsEqual(out[len(out)-n:], words[i:i+n]) {
				i += n
			}
			continue
		}
		out = append(out, words[i])
		i++
	}
	return out
}

func ngramsEqual(a, b []string) bool {
	for i := range a {
		if !strings.EqualFold(stripEdgePunct(a[i]), stripEdgePunct(b[i])) {
			return false
		}
	}
	return true
}

func stripEdgePunct(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r)
	})
}

// FormatForMode applies the final, mode-specific touch to delivered text.
func FormatForMode(mode, s string) string {
	s = strings.TrimSpace(s)
	switch mode {
	case protocol.ModeDictate:
		return s
	case protocol.ModeAsk, protocol.ModeTranslate:
		return collapseBlankLines(s)
	default:
		return s
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Normalizer implements the configurable "effectively unchanged" rule. The
// exact normalization is heuristic, so each step can be switched off.
type Normalizer struct {
	Trim               bool
	CollapseWhitespace bool
	CaseFold           bool
}

func NewNormalizer(cfg config.RefineConfig) Normalizer {
	return Normalizer{
		Trim:               cfg.Trim,
		CollapseWhitespace: cfg.CollapseWhitespace,
		CaseFold:           cfg.CaseFold,
	}
}

func (n Normalizer) Normalize(s string) string {
	if n.Trim {
		s = strings.TrimSpace(s)
	}
	if n.CollapseWhitespace {
		s = strings.Join(strings.Fields(s), " ")
	}
	if n.CaseFold {
		s = strings.ToLower(s)
	}
	return s
}

// EffectivelyEqual reports whether two outputs normalize to the same text.
func (n Normalizer) EffectivelyEqual(a, b string) bool {
	return n.Normalize(a) == n.Normalize(b)
}
