package insight

import "strings"

// DefaultSummaryWords is the word budget of a summary
const DefaultSummaryWords = 100

// Summarize returns text unchanged when it has at most maxWords words. Longer
// text is cut to its first maxWords words, joined by single spaces, with "..."
// appended.
func Summarize(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	if maxWords < 0 {
		maxWords = 0
	}
	return strings.Join(words[:maxWords], " ") + "..."
}

// Insight bundles the derived text fields of a transcription
type Insight struct {
	Keywords []string
	Summary  string
}

// Analyzer derives keywords and a summary with fixed limits
type Analyzer struct {
	KeywordCount int
	SummaryWords int
}

// NewAnalyzer returns an analyzer, falling back to the defaults for non-positive limits
func NewAnalyzer(keywordCount, summaryWords int) Analyzer {
	if keywordCount <= 0 {
		keywordCount = DefaultKeywordCount
	}
	if summaryWords <= 0 {
		summaryWords = DefaultSummaryWords
	}
	return Analyzer{KeywordCount: keywordCount, SummaryWords: summaryWords}
}

// Analyze runs keyword extraction and summarization over a transcript
func (a Analyzer) Analyze(text string) Insight {
	return Insight{
		Keywords: ExtractKeywords(text, a.KeywordCount),
		Summary:  Summarize(text, a.SummaryWords),
	}
}
