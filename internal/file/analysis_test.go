package file

import (
	"testing"
)

func TestAnalyzeChangePureAddition(t *testing.T) {
	a := analyzeChange([]byte("one\ntwo\n"), []byte("one\ntwo\nthree\n"))

	if a.LinesAdded != 1 || a.LinesRemoved != 0 || a.LinesModified != 0 {
		t.Errorf("expected 1 added, got +%d -%d ~%d", a.LinesAdded, a.LinesRemoved, a.LinesModified)
	}
	if len(a.Regions) != 1 || a.Regions[0].StartLine != 3 || a.Regions[0].EndLine != 3 {
		t.Errorf("expected region [3,3], got %v", a.Regions)
	}
}

func TestAnalyzeChangePureRemoval(t *testing.T) {
	a := analyzeChange([]byte("one\ntwo\nthree\n"), []byte("one\nthree\n"))

	if a.LinesRemoved != 1 || a.LinesAdded != 0 {
		t.Errorf("expected 1 removed, got +%d -%d ~%d", a.LinesAdded, a.LinesRemoved, a.LinesModified)
	}
	// The seam sits where the removed line used to be, in new-content
	// coordinates.
	if len(a.Regions) != 1 || a.Regions[0].StartLine != 2 || a.Regions[0].EndLine != 2 {
		t.Errorf("expected region [2,2], got %v", a.Regions)
	}
}

func TestAnalyzeChangeModification(t *testing.T) {
	a := analyzeChange([]byte("one\ntwo\nthree\n"), []byte("one\nTWO\nthree\n"))

	if a.LinesModified != 1 {
		t.Errorf("expected 1 modified, got +%d -%d ~%d", a.LinesAdded, a.LinesRemoved, a.LinesModified)
	}
	if len(a.Regions) != 1 || a.Regions[0].StartLine != 2 || a.Regions[0].EndLine != 2 {
		t.Errorf("expected region [2,2], got %v", a.Regions)
	}
}

func TestJaccardSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1.0},
		{"disjoint", []string{"a"}, []string{"b"}, 0.0},
		{"half overlap", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{"both empty", nil, nil, 1.0},
		{"multiset counts", []string{"a", "a"}, []string{"a"}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := jaccardSimilarity(tc.a, tc.b)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("expected %f, got %f", tc.want, got)
			}
		})
	}
}

func TestAnalyzeChangeIdentical(t *testing.T) {
	a := analyzeChange([]byte("same\n"), []byte("same\n"))
	if a.LinesAdded+a.LinesRemoved+a.LinesModified != 0 {
		t.Errorf("expected no changes, got %+v", a)
	}
	if a.Similarity != 1.0 {
		t.Errorf("expected similarity 1.0, got %f", a.Similarity)
	}
}
