package domain

// QuestionKind classifies a Question node in the structure graph.
type QuestionKind string

const (
	KindNormal             QuestionKind = "normal"
	KindDataAnalysisSub    QuestionKind = "data_analysis_sub"
	KindDataAnalysisMaterl QuestionKind = "data_analysis_material"
)

// BBox is a page-relative bounding box in pixel coordinates.
type BBox struct {
	Page int     `json:"page"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
}

// Question is a leaf node in the structure graph: either a normal numbered
// question or a data-analysis sub-question belonging to a BigQuestion.
type Question struct {
	ID          string       `json:"id"`
	Qno         int          `json:"qno,omitempty"`
	Kind        QuestionKind `json:"kind"`
	PageSpan    []int        `json:"page_span"`
	BBoxes      []BBox       `json:"bboxes"`
	TextPreview string       `json:"text_preview,omitempty"`
	ParentID    string       `json:"parent_id,omitempty"`
}

// QnoRange is an inclusive [Start, End] range of question numbers.
type QnoRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// BigQuestion groups contiguous data-analysis sub-questions sharing material.
type BigQuestion struct {
	ID              string   `json:"id"`
	Order           int      `json:"order"`
	PageSpan        []int    `json:"page_span"`
	MaterialBBoxes  []BBox   `json:"material_bboxes"`
	SubQuestionIDs  []string `json:"sub_question_ids"`
	QnoRange        QnoRange `json:"qno_range"`
}

// StructureDoc is the serializable question/big-question graph produced by
// structure detection (§4.G) and consumed by crop-and-stitch (§4.H).
//
// On disk only ParentID back-references are stored; ChildrenByParent is
// rebuilt on load (see Rebuild), per the arena-with-two-maps design used for
// this cyclic/pointer-heavy graph.
type StructureDoc struct {
	Questions             []Question    `json:"questions"`
	BigQuestions          []BigQuestion `json:"big_questions"`
	DataAnalysisStartPage int           `json:"data_analysis_start_page,omitempty"`
	TotalPages            int           `json:"total_pages,omitempty"`

	questionByID     map[string]*Question
	childrenByParent map[string][]string
}

// Rebuild populates the in-memory lookup maps from the serialized slices.
// Call this after unmarshaling a StructureDoc from structure.json.
func (d *StructureDoc) Rebuild() {
	d.questionByID = make(map[string]*Question, len(d.Questions))
	d.childrenByParent = make(map[string][]string)
	for i := range d.Questions {
		q := &d.Questions[i]
		d.questionByID[q.ID] = q
		if q.ParentID != "" {
			d.childrenByParent[q.ParentID] = append(d.childrenByParent[q.ParentID], q.ID)
		}
	}
}

// QuestionByID looks up a question by ID, rebuilding the arena lazily if needed.
func (d *StructureDoc) QuestionByID(id string) (*Question, bool) {
	if d.questionByID == nil {
		d.Rebuild()
	}
	q, ok := d.questionByID[id]
	return q, ok
}

// ChildrenOf returns the sub-question IDs parented to a BigQuestion ID.
func (d *StructureDoc) ChildrenOf(parentID string) []string {
	if d.childrenByParent == nil {
		d.Rebuild()
	}
	return d.childrenByParent[parentID]
}

// Validate checks the structure-document invariants from the data model:
// unique question IDs, parent references resolve, ascending contiguous
// sub-question qno ranges, and correct sub-question kinds.
func (d *StructureDoc) Validate() error {
	d.Rebuild()
	seen := make(map[string]bool, len(d.Questions))
	for _, q := range d.Questions {
		if seen[q.ID] {
			return &structureError{"duplicate question id: " + q.ID}
		}
		seen[q.ID] = true
	}
	bqByID := make(map[string]*BigQuestion, len(d.BigQuestions))
	for i := range d.BigQuestions {
		bqByID[d.BigQuestions[i].ID] = &d.BigQuestions[i]
	}
	for _, q := range d.Questions {
		if q.ParentID == "" {
			continue
		}
		if _, ok := bqByID[q.ParentID]; !ok {
			return &structureError{"question " + q.ID + " references unknown parent " + q.ParentID}
		}
	}
	for _, bq := range d.BigQuestions {
		prevQno := bq.QnoRange.Start - 1
		for _, subID := range bq.SubQuestionIDs {
			sub, ok := d.questionByID[subID]
			if !ok {
				return &structureError{"big question " + bq.ID + " references unknown sub " + subID}
			}
			if sub.Kind != KindDataAnalysisSub {
				return &structureError{"sub question " + subID + " has wrong kind"}
			}
			if sub.Qno != prevQno+1 {
				return &structureError{"big question " + bq.ID + " sub questions not ascending/contiguous"}
			}
			prevQno = sub.Qno
		}
		if prevQno != bq.QnoRange.End {
			return &structureError{"big question " + bq.ID + " sub questions don't cover qno_range"}
		}
	}
	return nil
}

type structureError struct{ msg string }

func (e *structureError) Error() string { return e.msg }
