package structure

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/examcore/examcore/internal/domain"
	"github.com/examcore/examcore/internal/ocrcache"
)

const bigQuestionGroupSize = 5
const previewMaxRunes = 40

// Detect runs the full §4.G algorithm over every page's cached OCR layout
// and returns the resulting question/big-question graph, ready to persist
// as structure.json.
func Detect(pages []domain.PageLayout) domain.StructureDoc {
	sorted := append([]domain.PageLayout(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool {
		return ocrcache.PageNumber(sorted[i].PageID) < ocrcache.PageNumber(sorted[j].PageID)
	})

	startPage := locateDataAnalysisStart(sorted)
	questions, startPage := walkPages(sorted, startPage)
	bigQuestions := groupBigQuestions(questions)
	inferMaterialRegions(sorted, bigQuestions, questions, startPage)

	doc := domain.StructureDoc{
		Questions:             questions,
		BigQuestions:          bigQuestions,
		DataAnalysisStartPage: startPage,
		TotalPages:            len(sorted),
	}
	doc.Rebuild()
	return doc
}

// locateDataAnalysisStart is algorithm step 1: find the titled (or
// part-hinted) block marking the data-analysis section, falling back to the
// first block whose question number falls in the reserved sub range.
func locateDataAnalysisStart(pages []domain.PageLayout) int {
	for _, p := range pages {
		for _, b := range p.Blocks {
			if isDataAnalysisTitle(b.Label, b.Content) {
				return ocrcache.PageNumber(p.PageID)
			}
		}
	}
	for _, p := range pages {
		for _, b := range p.Blocks {
			m := questionNoRe.FindStringSubmatch(b.Content)
			if m == nil {
				continue
			}
			qno, _ := strconv.Atoi(m[1])
			if qno >= subQnoRangeStart && qno <= subQnoRangeEnd {
				return ocrcache.PageNumber(p.PageID)
			}
		}
	}
	return 0
}

// walkPages is algorithm step 2: the per-page cursor walk. It returns the
// detected questions and the (possibly retroactively set) data-analysis
// start page.
func walkPages(pages []domain.PageLayout, startPage int) ([]domain.Question, int) {
	var questions []domain.Question
	var current *domain.Question
	explicitStart := startPage != 0

walk:
	for _, page := range pages {
		pageNum := ocrcache.PageNumber(page.PageID)
		for _, b := range page.Blocks {
			if isNoise(b.Label, b.Content) {
				continue
			}
			if isEndMarker(b.Content) {
				break walk
			}
			if b.BBox == ([4]float64{}) {
				continue
			}

			if m := questionNoRe.FindStringSubmatch(b.Content); m != nil {
				qno, _ := strconv.Atoi(m[1])
				inRegion := startPage != 0 && pageNum >= startPage
				isSub := inRegion || (qno >= subQnoRangeStart && qno <= subQnoRangeEnd)
				if isSub && !explicitStart {
					startPage = pageNum
					explicitStart = true
				}
				kind := domain.KindNormal
				if isSub {
					kind = domain.KindDataAnalysisSub
				}
				q := domain.Question{
					ID:          fmt.Sprintf("q%d", qno),
					Qno:         qno,
					Kind:        kind,
					PageSpan:    []int{pageNum},
					BBoxes:      []domain.BBox{bboxFromBlock(pageNum, b)},
					TextPreview: preview(b.Content),
				}
				questions = append(questions, q)
				current = &questions[len(questions)-1]
				continue
			}

			if isSectionBoundary(b.Content) {
				current = nil
				continue
			}

			if current == nil {
				continue
			}
			lastPage := current.PageSpan[len(current.PageSpan)-1]
			if pageNum != lastPage && pageNum != lastPage+1 {
				continue // cross-page extension only permitted p -> p+1
			}
			if pageNum != lastPage {
				current.PageSpan = append(current.PageSpan, pageNum)
			}
			current.BBoxes = append(current.BBoxes, bboxFromBlock(pageNum, b))
		}
	}
	return questions, startPage
}

// groupBigQuestions is algorithm step 3.
func groupBigQuestions(questions []domain.Question) []domain.BigQuestion {
	var subs []*domain.Question
	for i := range questions {
		if questions[i].Kind == domain.KindDataAnalysisSub {
			subs = append(subs, &questions[i])
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Qno < subs[j].Qno })

	var bigs []domain.BigQuestion
	for i := 0; i < len(subs); i += bigQuestionGroupSize {
		end := i + bigQuestionGroupSize
		if end > len(subs) {
			end = len(subs)
		}
		group := subs[i:end]
		bq := domain.BigQuestion{
			ID:       fmt.Sprintf("bq%d", len(bigs)+1),
			Order:    len(bigs),
			QnoRange: domain.QnoRange{Start: group[0].Qno, End: group[len(group)-1].Qno},
		}
		pageSet := make(map[int]bool)
		for _, q := range group {
			q.ParentID = bq.ID
			bq.SubQuestionIDs = append(bq.SubQuestionIDs, q.ID)
			for _, p := range q.PageSpan {
				pageSet[p] = true
			}
		}
		bq.PageSpan = sortedInts(pageSet)
		bigs = append(bigs, bq)
	}
	return bigs
}

// inferMaterialRegions is algorithm step 4.
func inferMaterialRegions(pages []domain.PageLayout, bigs []domain.BigQuestion, questions []domain.Question, dataAnalysisStart int) {
	byID := make(map[string]*domain.Question, len(questions))
	for i := range questions {
		byID[questions[i].ID] = &questions[i]
	}

	prevEndPage := dataAnalysisStart
	for i := range bigs {
		bq := &bigs[i]
		if len(bq.SubQuestionIDs) == 0 {
			continue
		}
		firstSub := byID[bq.SubQuestionIDs[0]]
		firstPage := firstSub.PageSpan[0]
		topY := firstSub.BBoxes[0].Y1

		var material []domain.BBox
		for _, page := range pages {
			pn := ocrcache.PageNumber(page.PageID)
			if pn < prevEndPage || pn > firstPage {
				continue
			}
			for _, b := range page.Blocks {
				if isNoise(b.Label, b.Content) {
					continue
				}
				if pn == firstPage && b.BBox[1] >= topY {
					continue
				}
				material = append(material, bboxFromBlock(pn, b))
			}
		}
		bq.MaterialBBoxes = material
		prevEndPage = bq.PageSpan[len(bq.PageSpan)-1]
	}
}

func bboxFromBlock(page int, b domain.Block) domain.BBox {
	return domain.BBox{Page: page, X1: b.BBox[0], Y1: b.BBox[1], X2: b.BBox[2], Y2: b.BBox[3]}
}

func sortedInts(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewMaxRunes {
		return content
	}
	return string(runes[:previewMaxRunes])
}
