package main

import (
	"fmt"
	"strings"
	"time"
)

// formatTokenCount formats an integer with comma separators (e.g. 45230 -> "45,230").
func formatTokenCount(n int64) string {
	if n < 0 {
		return "-" + formatTokenCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var b strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		b.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// estimateCost estimates the USD cost for the given model and token counts.
func estimateCost(model string, inputTokens, outputTokens int64) float64 {
	var inputRate, outputRate float64 // per million tokens

	switch {
	case strings.Contains(model, "opus"):
		inputRate, outputRate = 15.0, 75.0
	case strings.Contains(model, "haiku"):
		inputRate, outputRate = 0.80, 4.0
	default:
		// Sonnet pricing for sonnet and unknown models.
		inputRate, outputRate = 3.0, 15.0
	}

	return float64(inputTokens)/1_000_000*inputRate + float64(outputTokens)/1_000_000*outputRate
}

// timeAgo renders t relative to now, e.g. "5m ago".
func timeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
