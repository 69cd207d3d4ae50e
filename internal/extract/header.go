package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/adverant/nexus/prescription-worker/internal/model"
)

var (
	hospitalPattern     = regexp.MustCompile(`(?i)\b(?:hospital|clinic|clinique|centre|center|polyclinic)\b|hôpital|មន្ទីរពេទ្យ|គ្លីនិក`)
	prescriptionPattern = regexp.MustCompile(`(?i)(?:prescription\s*(?:no\.?|number|#)|rx\s*(?:no\.?|#)|ordonnance\s*n°?|n°|លេខវេជ្ជបញ្ជា)\s*[:#]?\s*([A-Za-z0-9][\w\-/]*\d[\w\-/]*)`)
	labeledDatePattern  = regexp.MustCompile(`(?i)(?:date|កាលបរិច្ឆេទ|ថ្ងៃទី)\s*[:\-]?\s*(\d{1,4}[/\-.]\d{1,2}[/\-.]\d{1,4})`)
	bareDatePattern     = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})\b`)
	departmentPattern   = regexp.MustCompile(`(?i)(?:department|dept\.?|service|ផ្នែក)\s*[:\-]\s*(.+)`)
	doctorNamePattern   = regexp.MustCompile(`(?i)(?:\bdr\.|\bdr\s|\bdoctor\b|médecin|physician|វេជ្ជបណ្ឌិត|គ្រូពេទ្យ)\s*[:\-]?\s*(.+)`)
	diagnosisPattern    = regexp.MustCompile(`(?i)(?:diagnosis|diagnostic|\bdx|រោគវិនិច្ឆ័យ)\s*[:\-]?\s*(.+)`)

	patientNamePattern = regexp.MustCompile(`(?i)(?:patient(?:\s*name)?|\bname|\bnom|ឈ្មោះ)\s*[:\-]?\s*(.+)`)
	agePattern         = regexp.MustCompile(`(?i)(?:\bage|âge|អាយុ)\s*[:\-]?\s*(\d{1,3})`)
	yearsPattern       = regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:years?|yrs?|ans\b|ឆ្នាំ)`)
	genderPattern      = regexp.MustCompile(`(?i)(?:\bgender|\bsexe?|ភេទ)\s*[:\-]?\s*(male|female|homme|femme|m|f|h|ប្រុស|ស្រី)`)
	patientIDPattern   = regexp.MustCompile(`(?i)(?:patient\s*id|\bid\b|\bhn\b|\bmrn\b|អត្តលេខ)\s*[:#\-]?\s*([A-Za-z0-9\-]*\d[A-Za-z0-9\-]*)`)

	// where a patient name value ends
	fieldBoundary = regexp.MustCompile(`(?i)\s*[,;|]|\s+(?:age|âge|sex|sexe|gender|id|hn)\b|អាយុ|ភេទ`)
)

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
	"2.1.2006",
	"02/01/06",
	"2/1/06",
}

var genders = map[string]string{
	"male":   "male",
	"m":      "male",
	"h":      "male",
	"homme":  "male",
	"ប្រុស":  "male",
	"female": "female",
	"f":      "female",
	"femme":  "female",
	"ស្រី":   "female",
}

// extractHeader fills the header from lines in reading order; the first match per field wins
func extractHeader(lines []string) *model.Header {
	h := &model.Header{}
	for _, line := range lines {
		if h.Hospital == "" && hospitalPattern.MatchString(line) {
			h.Hospital = strings.TrimSpace(line)
		}
		if h.PrescriptionNumber == "" {
			if m := prescriptionPattern.FindStringSubmatch(line); m != nil {
				h.PrescriptionNumber = m[1]
			}
		}
		if h.Date == "" {
			h.Date = findDate(line)
		}
		if h.Department == "" {
			if m := departmentPattern.FindStringSubmatch(line); m != nil {
				h.Department = cleanValue(m[1])
			}
		}
		if h.Doctor == "" {
			if m := doctorNamePattern.FindStringSubmatch(line); m != nil {
				h.Doctor = cleanValue(m[1])
			}
		}
		if h.Diagnosis == "" {
			if m := diagnosisPattern.FindStringSubmatch(line); m != nil {
				h.Diagnosis = cleanValue(m[1])
			}
		}
	}
	if *h == (model.Header{}) {
		return nil
	}
	return h
}

// extractPatient always returns a record, possibly with every field empty
func extractPatient(lines []string) *model.PatientInfo {
	p := &model.PatientInfo{}
	for _, line := range lines {
		if p.Name == "" {
			if m := patientNamePattern.FindStringSubmatch(line); m != nil {
				p.Name = cutAtBoundary(m[1])
			}
		}
		if p.Age == "" {
			if m := agePattern.FindStringSubmatch(line); m != nil {
				p.Age = m[1]
			} else if m := yearsPattern.FindStringSubmatch(line); m != nil {
				p.Age = m[1]
			}
		}
		if p.Gender == "" {
			if m := genderPattern.FindStringSubmatch(line); m != nil && letterBoundaryAfter(line, strings.Index(line, m[0])+len(m[0])) {
				p.Gender = genders[strings.ToLower(m[1])]
			}
		}
		if p.ID == "" {
			if m := patientIDPattern.FindStringSubmatch(line); m != nil {
				p.ID = m[1]
			}
		}
	}
	return p
}

// findDate returns the first date on the line, as ISO when it parses day-first
func findDate(line string) string {
	raw := ""
	if m := labeledDatePattern.FindStringSubmatch(line); m != nil {
		raw = m[1]
	} else if m := bareDatePattern.FindStringSubmatch(line); m != nil {
		raw = m[1]
	}
	if raw == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return raw
}

func cutAtBoundary(v string) string {
	v = " " + v
	if loc := fieldBoundary.FindStringIndex(v); loc != nil {
		v = v[:loc[0]]
	}
	return cleanValue(v)
}

func cleanValue(v string) string {
	if i := strings.Index(v, "|"); i >= 0 {
		v = v[:i]
	}
	return strings.Trim(strings.TrimSpace(v), ":-,;|")
}
