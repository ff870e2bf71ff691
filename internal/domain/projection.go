package domain

import "strconv"

// Projection is the read-only view derived from a market's pool pair.
type Projection struct {
	TotalPool  Amount
	YesPercent float64
	NoPercent  float64
}

// Project computes totals and percentages from a pool pair. An empty market
// reports 50/50. Each side is rounded to one decimal on its own, so the two
// percentages may sum to 99.9 or 100.1.
func Project(yes, no Amount) Projection {
	total := yes + no
	p := Projection{
		TotalPool:  total,
		YesPercent: 50.0,
		NoPercent:  50.0,
	}
	if total == 0 {
		return p
	}
	p.YesPercent = percentOf(yes, total)
	p.NoPercent = percentOf(no, total)
	return p
}

// percentOf rounds the exact binary value of the ratio, not a rescaled copy
// of it. Only values that are exactly halfway round to even.
func percentOf(part, total Amount) float64 {
	pct := float64(part) / float64(total) * 100
	rounded, _ := strconv.ParseFloat(strconv.FormatFloat(pct, 'f', 1, 64), 64)
	return rounded
}
