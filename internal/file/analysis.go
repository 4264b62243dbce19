package file

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// analyzeChange produces a line-level diff between two file revisions:
// added/removed/modified counts, contiguous changed regions in the new
// content, and the Jaccard similarity of the two line multisets.
func analyzeChange(previous, current []byte) *Analysis {
	dmp := diffmatchpatch.New()
	oldText, newText := string(previous), string(current)

	c1, c2, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(c1, c2, false), lines)

	analysis := &Analysis{
		Similarity: jaccardSimilarity(splitLines(oldText), splitLines(newText)),
	}

	// Walk diffs tracking the line cursor in the new content. Adjacent
	// delete/insert pairs count as modifications.
	newLine := 1
	var pendingRemoved int
	var regionStart, regionEnd int

	flushRegion := func() {
		if regionStart > 0 {
			analysis.Regions = append(analysis.Regions, Region{StartLine: regionStart, EndLine: regionEnd})
			regionStart, regionEnd = 0, 0
		}
	}
	markChanged := func(start, end int) {
		if regionStart == 0 {
			regionStart, regionEnd = start, end
			return
		}
		if start <= regionEnd+1 {
			if end > regionEnd {
				regionEnd = end
			}
			return
		}
		flushRegion()
		regionStart, regionEnd = start, end
	}

	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			analysis.LinesRemoved += pendingRemoved
			pendingRemoved = 0
			newLine += n
		case diffmatchpatch.DiffDelete:
			pendingRemoved += n
			// A deletion touches the seam at the cursor position in the
			// new content; a following insert extends the region from
			// the same line.
			if n > 0 {
				markChanged(newLine, newLine)
			}
		case diffmatchpatch.DiffInsert:
			modified := min(pendingRemoved, n)
			analysis.LinesModified += modified
			analysis.LinesAdded += n - modified
			analysis.LinesRemoved += pendingRemoved - modified
			pendingRemoved = 0
			if n > 0 {
				markChanged(newLine, newLine+n-1)
			}
			newLine += n
		}
	}
	analysis.LinesRemoved += pendingRemoved
	flushRegion()

	return analysis
}

// jaccardSimilarity computes |A ∩ B| / |A ∪ B| over line multisets.
func jaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}

	counts := make(map[string]int, len(a))
	for _, line := range a {
		counts[line]++
	}

	intersection := 0
	for _, line := range b {
		if counts[line] > 0 {
			counts[line]--
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
