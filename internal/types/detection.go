package types

// Detection classes the analyzers look at
const (
	ClassPerson = "person"
	ClassHelmet = "helmet"
	ClassVest   = "vest"
	ClassGloves = "gloves"
)

// BBox is a bounding box as [x, y, width, height] in pixels
type BBox []float64

// Center returns the box centre. ok is false for malformed boxes.
func (b BBox) Center() (x, y float64, ok bool) {
	if len(b) != 4 {
		return 0, 0, false
	}
	return b[0] + b[2]/2, b[1] + b[3]/2, true
}

// RelatedObject is an object associated with a detection (e.g. a helmet on a person)
type RelatedObject struct {
	Class      string  `json:"class" msgpack:"class"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	BBox       BBox    `json:"bbox,omitempty" msgpack:"bbox,omitempty"`
}

// Detection is a single object detection produced by a model
type Detection struct {
	ID             string          `json:"id,omitempty" msgpack:"id,omitempty"`
	Class          string          `json:"class" msgpack:"class"`
	Confidence     float64         `json:"confidence" msgpack:"confidence"`
	BBox           BBox            `json:"bbox,omitempty" msgpack:"bbox,omitempty"`
	RelatedObjects []RelatedObject `json:"related_objects,omitempty" msgpack:"related_objects,omitempty"`
}

// HasRelated reports whether the detection carries a related object of the
// given class with confidence strictly above threshold
func (d Detection) HasRelated(class string, threshold float64) bool {
	for _, obj := range d.RelatedObjects {
		if obj.Class == class && obj.Confidence > threshold {
			return true
		}
	}
	return false
}

// DetectionFrame is one analyzer history entry
type DetectionFrame struct {
	TaskID     string      `json:"task_id"`
	Timestamp  float64     `json:"timestamp"`
	Detections []Detection `json:"detections"`
}

// Severity of an anomaly
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyEvent is a rule-triggered finding over recent detections
type AnomalyEvent struct {
	Type         string   `json:"type"`
	Severity     Severity `json:"severity"`
	Description  string   `json:"description"`
	PersonID     string   `json:"person_id,omitempty"`
	BBox         BBox     `json:"bbox,omitempty"`
	MissingItems []string `json:"missing_items,omitempty"`
}
