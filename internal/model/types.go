/**
 * Prescription pipeline types
 *
 * Shared data structures produced and consumed by the pipeline stages.
 * Every value is created per request; nothing here is shared across requests.
 */

package model

import (
	"encoding/json"
)

// Box is an axis-aligned rectangle in pixel coordinates. JSON form is [x, y, w, h].
type Box struct {
	X int
	Y int
	W int
	H int
}

func (b Box) Right() int  { return b.X + b.W }
func (b Box) Bottom() int { return b.Y + b.H }
func (b Box) Area() int   { return b.W * b.H }
func (b Box) Empty() bool { return b.W <= 0 || b.H <= 0 }

// Union returns the smallest box covering both
func (b Box) Union(o Box) Box {
	x1, y1 := min(b.X, o.X), min(b.Y, o.Y)
	x2, y2 := max(b.Right(), o.Right()), max(b.Bottom(), o.Bottom())
	return Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Clamp trims the box to [0,width) x [0,height)
func (b Box) Clamp(width, height int) Box {
	x1, y1 := clamp(b.X, 0, width), clamp(b.Y, 0, height)
	x2, y2 := clamp(b.Right(), 0, width), clamp(b.Bottom(), 0, height)
	return Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Contains reports whether point (x, y) lies inside the box
func (b Box) Contains(x, y float64) bool {
	return x >= float64(b.X) && x < float64(b.Right()) && y >= float64(b.Y) && y < float64(b.Bottom())
}

// ContainsBox reports whether o lies entirely inside b
func (b Box) ContainsBox(o Box) bool {
	return o.X >= b.X && o.Y >= b.Y && o.Right() <= b.Right() && o.Bottom() <= b.Bottom()
}

func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X, b.Y, b.W, b.H})
}

func (b *Box) UnmarshalJSON(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = Box{X: v[0], Y: v[1], W: v[2], H: v[3]}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// BBox is a corner-form box used for recognized blocks
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BBox) Width() int  { return b.X2 - b.X1 }
func (b BBox) Height() int { return b.Y2 - b.Y1 }

// Center returns the box midpoint
func (b BBox) Center() (float64, float64) {
	return float64(b.X1+b.X2) / 2, float64(b.Y1+b.Y2) / 2
}

// RegionType is the geometric role of a region
type RegionType string

const (
	RegionHeader    RegionType = "header"
	RegionBody      RegionType = "body"
	RegionTable     RegionType = "table"
	RegionSignature RegionType = "signature"
	RegionFooter    RegionType = "footer"
	RegionUnknown   RegionType = "unknown"
)

// BlockType is the semantic role of a text block: any RegionType plus content roles
type BlockType string

const (
	BlockHeader      BlockType = BlockType(RegionHeader)
	BlockBody        BlockType = BlockType(RegionBody)
	BlockTable       BlockType = BlockType(RegionTable)
	BlockSignature   BlockType = BlockType(RegionSignature)
	BlockFooter      BlockType = BlockType(RegionFooter)
	BlockUnknown     BlockType = BlockType(RegionUnknown)
	BlockMedication  BlockType = "medication"
	BlockDosage      BlockType = "dosage"
	BlockPatientInfo BlockType = "patient_info"
	BlockDoctorInfo  BlockType = "doctor_info"
)

// Language tags attached to blocks
type Language string

const (
	LangEnglish Language = "en"
	LangKhmer   Language = "kh"
	LangFrench  Language = "fr"
	LangMixed   Language = "mixed"
	LangUnknown Language = "unknown"
)

// TextLine is a line box relative to its owning region
type TextLine struct {
	Box Box `json:"box"`
}

// Region is a geometrically contiguous area of the page
type Region struct {
	Box        Box        `json:"box"`
	Type       RegionType `json:"type"`
	Confidence float64    `json:"confidence"`
	Lines      []TextLine `json:"lines,omitempty"`
}

// TextBlock is the finest recognized unit of text
type TextBlock struct {
	Text       string    `json:"text"`
	BBox       BBox      `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Language   Language  `json:"language"`
	BlockType  BlockType `json:"block_type"`
	Region     int       `json:"-"` // index into PipelineResult.Regions, -1 when unassigned
}

// TableCell is one recognized cell
type TableCell struct {
	Row        int     `json:"row"`
	Col        int     `json:"col"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TableData is a delimiter-reconstructed table. RowCount/ColCount match Rows/Cells extents.
type TableData struct {
	Headers  []string    `json:"headers"`
	Rows     [][]string  `json:"rows"`
	Cells    []TableCell `json:"cells"`
	RowCount int         `json:"row_count"`
	ColCount int         `json:"col_count"`
}

// DoseSlot is one day-part entry. Amount is set when a quantity is known.
type DoseSlot struct {
	Amount *float64 `json:"amount,omitempty"`
	Taken  bool     `json:"taken"`
}

// DosageSchedule holds at most one slot per day-part
type DosageSchedule struct {
	Morning   *DoseSlot `json:"morning,omitempty"`
	Noon      *DoseSlot `json:"noon,omitempty"`
	Afternoon *DoseSlot `json:"afternoon,omitempty"`
	Evening   *DoseSlot `json:"evening,omitempty"`
	Night     *DoseSlot `json:"night,omitempty"`
}

// Medication is one structured medication line.
// Times and Times24h always have equal length with positional correspondence.
type Medication struct {
	Sequence       int             `json:"sequence"`
	Name           string          `json:"name"`
	Strength       string          `json:"strength,omitempty"`
	Quantity       *float64        `json:"quantity,omitempty"`
	QuantityUnit   string          `json:"quantity_unit,omitempty"`
	Form           string          `json:"form,omitempty"`
	Route          string          `json:"route,omitempty"`
	DosageSchedule *DosageSchedule `json:"dosage_schedule,omitempty"`
	Times          []string        `json:"times"`
	Times24h       []string        `json:"times_24h"`
	Frequency      string          `json:"frequency,omitempty"`
	Repeat         string          `json:"repeat"`
	DurationDays   *int            `json:"duration_days"`
	Instructions   []string        `json:"instructions,omitempty"`
	Notes          []string        `json:"notes"`
	Confidence     float64         `json:"confidence"`
	ParseState     string          `json:"parse_state"`
}

// Medication parse states, in the order the extractor advances through them
const (
	ParseUnparsed      = "unparsed"
	ParseNameFound     = "name_found"
	ParseDosageFound   = "dosage_found"
	ParseTimesResolved = "times_resolved"
	ParseFinalized     = "finalized"
)

// Header is the prescription header
type Header struct {
	Hospital           string `json:"hospital,omitempty"`
	PrescriptionNumber string `json:"prescription_number,omitempty"`
	Date               string `json:"date,omitempty"`
	Department         string `json:"department,omitempty"`
	Doctor             string `json:"doctor,omitempty"`
	Diagnosis          string `json:"diagnosis,omitempty"`
}

// PatientInfo is always present on a prescription, even when every field is empty
type PatientInfo struct {
	Name   string `json:"name"`
	Age    string `json:"age"`
	Gender string `json:"gender"`
	ID     string `json:"id"`
}

// NoMedicationsFound is the explicit marker note used when nothing was extracted
const NoMedicationsFound = "no medications found"

// StructuredPrescription is the extractor output
type StructuredPrescription struct {
	Header      *Header      `json:"header"`
	Patient     *PatientInfo `json:"patient"`
	Medications []Medication `json:"medications"`
	TableData   *TableData   `json:"table_data"`
	Notes       []string     `json:"notes"`
}

// Resolution is the image size block of the quality report
type Resolution struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// QualityMetrics are the measured quality values
type QualityMetrics struct {
	Blur       float64    `json:"blur"`
	Brightness float64    `json:"brightness"`
	Contrast   float64    `json:"contrast"`
	Resolution Resolution `json:"resolution"`
}

// QualityReport is the gate verdict. It is created once per request and never mutated.
type QualityReport struct {
	Metrics  QualityMetrics `json:"metrics"`
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
	Mode     string         `json:"mode"`
}

// SafetyReport is the advisory validator result
type SafetyReport struct {
	OK         bool     `json:"ok"`
	Violations []string `json:"violations"`
}

// PipelineResult is the full response for one document
type PipelineResult struct {
	JobID                string                  `json:"job_id,omitempty"`
	Quality              QualityReport           `json:"-"`
	Regions              []Region                `json:"regions"`
	Blocks               []TextBlock             `json:"blocks"`
	PrimaryLanguage      Language                `json:"primary_language"`
	Structured           *StructuredPrescription `json:"structured"`
	OverallConfidence    float64                 `json:"overall_confidence"`
	MedicationConfidence float64                 `json:"medication_confidence"`
	ConfidenceLevel      string                  `json:"confidence_level,omitempty"`
	NeedsReview          bool                    `json:"needs_review"`
	ReviewReasons        []string                `json:"review_reasons,omitempty"`
	LowConfidenceBlocks  []int                   `json:"low_confidence_blocks"`
	Safety               *SafetyReport           `json:"safety,omitempty"`
	Warnings             []string                `json:"warnings"`
	Errors               []string                `json:"errors"`
	ResultID             string                  `json:"result_id,omitempty"`
	SimilarPrescriptions []SimilarPrescription   `json:"similar_prescriptions,omitempty"`
	ProcessingTimeMs     int64                   `json:"processing_time_ms"`
}

// SimilarPrescription is a stored prescription whose medication summary is close to this one
type SimilarPrescription struct {
	JobID       string   `json:"job_id"`
	ResultID    string   `json:"result_id,omitempty"`
	Score       float64  `json:"score"`
	Medications []string `json:"medications"`
}

// rejectedResponse is the reduced shape returned when the quality gate rejects
type rejectedResponse struct {
	JobID    string         `json:"job_id,omitempty"`
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason"`
	Metrics  QualityMetrics `json:"metrics"`
}

// MarshalJSON emits only {accepted, reason, metrics} for rejected inputs
func (r PipelineResult) MarshalJSON() ([]byte, error) {
	if !r.Quality.Accepted {
		return json.Marshal(rejectedResponse{
			JobID:    r.JobID,
			Accepted: false,
			Reason:   r.Quality.Reason,
			Metrics:  r.Quality.Metrics,
		})
	}

	type plain PipelineResult
	return json.Marshal(struct {
		Quality  QualityMetrics `json:"quality"`
		Accepted bool           `json:"accepted"`
		plain
	}{
		Quality:  r.Quality.Metrics,
		Accepted: true,
		plain:    plain(r),
	})
}
