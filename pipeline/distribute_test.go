package pipeline

import "testing"

func TestDistribute(t *testing.T) {
	tests := []struct {
		total int64
		n     int
		want  []int64
	}{
		{10, 3, []int64{4, 3, 3}},
		{9, 3, []int64{3, 3, 3}},
		{11, 4, []int64{3, 3, 3, 2}},
		{2, 5, []int64{1, 1, 0, 0, 0}},
		{0, 3, []int64{0, 0, 0}},
		{-7, 3, []int64{-3, -2, -2}},
		{5, 1, []int64{5}},
	}
	for _, tt := range tests {
		got := Distribute(tt.total, tt.n)
		if len(got) != len(tt.want) {
			t.Fatalf("Distribute(%d, %d) = %v, want %v", tt.total, tt.n, got, tt.want)
		}
		var sum int64
		for i := range got {
			sum += got[i]
			if got[i] != tt.want[i] {
				t.Errorf("Distribute(%d, %d)[%d] = %d, want %d", tt.total, tt.n, i, got[i], tt.want[i])
			}
		}
		if sum != tt.total {
			t.Errorf("Distribute(%d, %d) sums to %d", tt.total, tt.n, sum)
		}
	}

	if Distribute(10, 0) != nil {
		t.Error("n=0 must return nil")
	}
}
