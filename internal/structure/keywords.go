// Package structure implements the Structure Detector (§4.G, stage 2): a
// single per-workdir pass over every page's cached OCR layout that
// identifies data-analysis sub-questions, groups them into big questions,
// and infers their shared material regions.
package structure

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// dataAnalysisTitleKeywords mark the start of the data-analysis section.
var dataAnalysisTitleKeywords = []string{"资料分析", "资料分析题"}

// partHintKeywords are weaker signals that a block introduces the
// data-analysis part, used when no title-labeled block matches directly.
var partHintKeywords = []string{"部分", "Part"}

// noiseLabels are block labels dropped outright before structural analysis.
var noiseLabels = map[string]bool{
	"footer": true,
	"header": true,
	"number": true,
}

// noiseKeywordRe marks otherwise-labeled blocks as noise by content: page
// markers such as "第 3 页" or "Page 3".
var noiseKeywordRe = regexp.MustCompile(`第\s*[0-9一二三四五六七八九十百]+\s*页|(?i:page)\s*\d+`)

// endKeywords mark the end of the exam; a short block containing one near
// its start halts further processing.
var endKeywords = []string{"本卷结束", "答题结束", "END OF EXAM", "试卷到此结束"}

const endMarkerMaxLen = 20

// sectionHeadKeywords and sectionIntroKeywords together (or a bare numbered
// heading) mark a section-boundary block, which clears the question cursor.
var sectionHeadKeywords = []string{"常识判断", "言语理解", "数量关系", "判断推理"}
var sectionIntroKeywords = []string{"共", "题", "分钟"}

var sectionNumberHeadRe = regexp.MustCompile(`^(一|二|三|四|五|六|七|八|九|十)、`)
var sectionPartRe = regexp.MustCompile(`^第[一二三四五六七八九十\d]+部分`)

var questionNoRe = regexp.MustCompile(`^(\d{1,3})[.．、]`)

// subQnoRangeStart/End is the reserved data-analysis sub-question number
// range: a block in this range is a data_analysis_sub even outside the
// detected data-analysis page region.
const (
	subQnoRangeStart = 111
	subQnoRangeEnd   = 130
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func isDataAnalysisTitle(label, content string) bool {
	if !containsAny(content, dataAnalysisTitleKeywords) {
		return false
	}
	return label == "title" || containsAny(content, partHintKeywords)
}

func isNoise(label, content string) bool {
	if noiseLabels[label] {
		return true
	}
	return noiseKeywordRe.MatchString(content)
}

func isEndMarker(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) == 0 || utf8.RuneCountInString(trimmed) > endMarkerMaxLen {
		return false
	}
	for _, kw := range endKeywords {
		if idx := strings.Index(trimmed, kw); idx >= 0 && idx <= endMarkerMaxLen/2 {
			return true
		}
	}
	return false
}

func isSectionBoundary(content string) bool {
	if sectionNumberHeadRe.MatchString(content) || sectionPartRe.MatchString(content) {
		return true
	}
	return containsAny(content, sectionHeadKeywords) && containsAny(content, sectionIntroKeywords)
}
