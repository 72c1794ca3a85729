package tasks

import (
	"regexp"
	"strconv"
	"strings"
)

// Summary extraction is pure textual pattern matching against the pipeline
// scripts' human-readable output. The patterns are fragile by nature, so
// they live here as an ordered rule list instead of inline in the read loop.

var (
	analyzeSummaryRe  = regexp.MustCompile(`分析完成：成功\s*(\d+)\s*篇，失败\s*(\d+)\s*篇`)
	classifySummaryRe = regexp.MustCompile(`分类完成：移动\s*(\d+)\s*篇，跳过\s*(\d+)\s*篇`)
	classifyStatRe    = regexp.MustCompile(`^\s{2,}(.+?):\s*(\d+)\s*篇$`)
)

// The logging setup of the scripts prefixes lines with a timestamp and
// level; category stat lines arrive as "... - INFO -   <name>: <n> 篇".
const infoIndentMarker = " - INFO -   "

func applySummaryLine(summary map[string]any, line string) {
	if m := analyzeSummaryRe.FindStringSubmatch(line); m != nil {
		summary["success"] = mustAtoi(m[1])
		summary["failed"] = mustAtoi(m[2])
		return
	}

	if m := classifySummaryRe.FindStringSubmatch(line); m != nil {
		summary["moved"] = mustAtoi(m[1])
		summary["skipped"] = mustAtoi(m[2])
		return
	}

	candidate := line
	if idx := strings.Index(line, infoIndentMarker); idx >= 0 {
		candidate = "  " + line[idx+len(infoIndentMarker):]
	}
	if m := classifyStatRe.FindStringSubmatch(candidate); m != nil {
		counts, ok := summary["category_counts"].(map[string]int)
		if !ok {
			counts = make(map[string]int)
			summary["category_counts"] = counts
		}
		counts[m[1]] = mustAtoi(m[2])
	}
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
