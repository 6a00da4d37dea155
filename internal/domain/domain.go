package domain

// Question type tags as Metaculus reports them.
const (
	TypeBinary         = "binary"
	TypeMultipleChoice = "multiple_choice"
	TypeNumeric        = "numeric"
)

// Question is the immutable per-question metadata the pipeline operates on.
// It is normalized from the nested post/question JSON the API returns and is
// read-only from the aggregation core's point of view.
type Question struct {
	ID             int64    `json:"id"`
	PostID         int64    `json:"post_id"`
	Type           string   `json:"type" enum:"binary,multiple_choice,numeric"`
	Title          string   `json:"title"`
	Options        []string `json:"options,omitempty"`
	Units          string   `json:"units,omitempty"`
	LowerBoundOpen bool     `json:"lower_bound_open,omitempty"`
	UpperBoundOpen bool     `json:"upper_bound_open,omitempty"`
	Status         string   `json:"status,omitempty"`
}

// WorldSample is one successful world's answer for one question.
// Exactly one variant is populated, selected by the question type.
type WorldSample interface {
	SampleType() string
}

// BinarySample is a single yes/no draw.
type BinarySample struct {
	Answer bool `json:"answer"`
}

func (BinarySample) SampleType() string { return TypeBinary }

// CategoricalSample carries relative-likelihood scores per option name.
// Scores are signals, not probabilities; they may be sparse and unnormalized.
type CategoricalSample struct {
	Scores map[string]float64 `json:"scores"`
}

func (CategoricalSample) SampleType() string { return TypeMultipleChoice }

// NumericSample is a single scalar draw.
type NumericSample struct {
	Value float64 `json:"value"`
}

func (NumericSample) SampleType() string { return TypeNumeric }

// Forecast is the canonical aggregate for one question. Exactly one variant
// exists per question, matching Question.Type.
type Forecast interface {
	ForecastType() string
}

// BinaryForecast holds a yes-probability, clamped to [0.01, 0.99].
type BinaryForecast struct {
	Probability float64 `json:"probability"`
}

func (BinaryForecast) ForecastType() string { return TypeBinary }

// CategoricalForecast maps every question option to a probability; the values
// sum to 1.0 within floating tolerance.
type CategoricalForecast struct {
	Probabilities map[string]float64 `json:"probabilities"`
}

func (CategoricalForecast) ForecastType() string { return TypeMultipleChoice }

// NumericForecast carries the sanitized 201-point CDF over the question grid.
// Mean is an informational summary of the raw samples; it never shapes the CDF.
type NumericForecast struct {
	CDF  []float64 `json:"cdf"`
	Mean float64   `json:"mean"`
}

func (NumericForecast) ForecastType() string { return TypeNumeric }

// SubmissionPayload is the wire format the forecast endpoint accepts.
// Exactly one field is non-nil; the other two are serialized as explicit nulls.
type SubmissionPayload struct {
	ProbabilityYes            *float64           `json:"probability_yes"`
	ProbabilityYesPerCategory map[string]float64 `json:"probability_yes_per_category"`
	ContinuousCDF             []float64          `json:"continuous_cdf"`
}

// Run is one invocation of the forecasting pipeline over a question set.
type Run struct {
	ID         string `json:"id"`
	Mode       string `json:"mode" enum:"tournament,cup,test"`
	Tournament string `json:"tournament,omitempty"`
	Worlds     int    `json:"worlds"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at,omitempty" format:"date-time"`
	Submitted  int    `json:"submitted"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

// Report statuses.
const (
	ReportSubmitted           = "submitted"
	ReportDryRun              = "dry_run"
	ReportSkippedPosted       = "skipped_posted"
	ReportInsufficientSamples = "insufficient_samples"
	ReportPayloadInvalid      = "payload_invalid"
	ReportSubmitFailed        = "submit_failed"
)

// Report is the archived outcome for one question within a run.
type Report struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	QuestionID   int64  `json:"question_id"`
	PostID       int64  `json:"post_id,omitempty"`
	Type         string `json:"type"`
	Title        string `json:"title,omitempty"`
	Status       string `json:"status" enum:"submitted,dry_run,skipped_posted,insufficient_samples,payload_invalid,submit_failed"`
	Samples      int    `json:"samples"`
	ForecastJSON string `json:"forecast_json,omitempty"`
	Comment      string `json:"comment,omitempty"`
	Detail       string `json:"detail,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only run diary.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	QuestionID int64  `json:"question_id,omitempty"`
	Payload    string `json:"payload_json"`
}
