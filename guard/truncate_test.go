package guard

import (
	"strings"
	"testing"
)

func TestTruncateForAnalysis(t *testing.T) {
	t.Run("short document untouched", func(t *testing.T) {
		doc := strings.Repeat("a", 100)
		if got := TruncateForAnalysis(doc, 30000); got != doc {
			t.Error("short document was modified")
		}
	})

	t.Run("long document keeps head and tail", func(t *testing.T) {
		head := strings.Repeat("h", 25000)
		tail := strings.Repeat("t", 25000)
		got := TruncateForAnalysis(head+tail, 30000)

		if !strings.HasPrefix(got, strings.Repeat("h", 21000)) {
			t.Error("head slice is not 70% of budget")
		}
		if !strings.HasSuffix(got, strings.Repeat("t", 7500)) {
			t.Error("tail slice is not 25% of budget")
		}
		if !strings.Contains(got, ellipsisMarker) {
			t.Error("ellipsis marker missing")
		}
	})
}

func TestTruncateForExtraction(t *testing.T) {
	t.Run("short document untouched", func(t *testing.T) {
		doc := "売上100万円"
		if got := TruncateForExtraction(doc, 10000); got != doc {
			t.Error("short document was modified")
		}
	})

	t.Run("long document keeps head only", func(t *testing.T) {
		doc := strings.Repeat("x", 10000) + strings.Repeat("y", 5000)
		got := TruncateForExtraction(doc, 10000)

		if !strings.HasPrefix(got, strings.Repeat("x", 10000)) {
			t.Error("head slice is not the full budget")
		}
		if strings.Contains(got, "y") {
			t.Error("tail characters leaked past the budget")
		}
		if !strings.HasSuffix(got, ellipsisMarker) {
			t.Error("ellipsis suffix missing")
		}
	})
}
