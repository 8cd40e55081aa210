package pipeline

// Distribute splits a yearly total across n segments with the
// largest-remainder method: every segment gets the floor share and the first
// remainder segments get one more. The parts always sum exactly to the total.
func Distribute(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	base := total / int64(n)
	remainder := total - base*int64(n)

	parts := make([]int64, n)
	for i := range parts {
		parts[i] = base
		switch {
		case remainder > 0 && int64(i) < remainder:
			parts[i]++
		case remainder < 0 && int64(i) < -remainder:
			// Negative totals truncate toward zero; spread the shortfall the
			// same way so the parts still sum exactly.
			parts[i]--
		}
	}
	return parts
}
