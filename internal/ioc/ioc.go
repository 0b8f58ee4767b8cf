package ioc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

var (
	ErrUnknownKind  = errors.New("unknown ioc kind")
	ErrEmptyPayload = errors.New("ioc has no payload")
)

// IoC is one observed event. The kind is always derived from the payload,
// so the two can never disagree.
type IoC struct {
	Timestamp  time.Time
	ExecutedOn string
	Payload    Payload
}

// New stamps a payload with the current time.
func New(p Payload) IoC {
	return IoC{Timestamp: time.Now(), Payload: p}
}

// Kind returns the payload's kind, or "" for an empty IoC.
func (i IoC) Kind() Kind {
	if i.Payload == nil {
		return ""
	}
	return i.Payload.Kind()
}

type wireIoC struct {
	Type       Kind   `json:"type"`
	ExecutedOn string `json:"executed_on"`
	Timestamp  int64  `json:"timestamp"`
	Value      any    `json:"value"`
}

type wireIoCIn struct {
	Type       Kind            `json:"type"`
	ExecutedOn string          `json:"executed_on"`
	Timestamp  int64           `json:"timestamp"`
	Value      json.RawMessage `json:"value"`
}

// MarshalJSON emits {type, executed_on, timestamp, value} with the
// timestamp in unix milliseconds.
func (i IoC) MarshalJSON() ([]byte, error) {
	if i.Payload == nil {
		return nil, ErrEmptyPayload
	}
	return sonic.Marshal(wireIoC{
		Type:       i.Payload.Kind(),
		ExecutedOn: i.ExecutedOn,
		Timestamp:  i.Timestamp.UnixMilli(),
		Value:      i.Payload,
	})
}

func (i *IoC) UnmarshalJSON(data []byte) error {
	var w wireIoCIn
	if err := sonic.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Type, w.Value)
	if err != nil {
		return err
	}
	i.Payload = p
	i.ExecutedOn = w.ExecutedOn
	i.Timestamp = time.UnixMilli(w.Timestamp)
	return nil
}

// Record is anything the orchestrator publishes: an *AnalysisResult on
// success (or runtime failure) and a Failure otherwise.
type Record interface {
	isRecord()
}

// AnalysisResult is the report of one run.
type AnalysisResult struct {
	FileHash   string `json:"file_hash"`
	AnalysisID string `json:"analysis_id"`
	IoCs       []IoC  `json:"iocs"`
	// Error is set when the sample threw at runtime; IoCs captured up to
	// and after the throw are still reported.
	Error string `json:"error,omitempty"`
}

func (*AnalysisResult) isRecord() {}

// Count returns how many IoCs of the given kind the result holds.
func (r *AnalysisResult) Count(kind Kind) int {
	n := 0
	for _, i := range r.IoCs {
		if i.Kind() == kind {
			n++
		}
	}
	return n
}

// OfKind returns the IoCs of one kind in observation order.
func (r *AnalysisResult) OfKind(kind Kind) []IoC {
	var out []IoC
	for _, i := range r.IoCs {
		if i.Kind() == kind {
			out = append(out, i)
		}
	}
	return out
}

// FailureKind distinguishes why a run produced no result.
type FailureKind string

const (
	FailureSyntax           FailureKind = "SyntaxError"
	FailureHookInstallation FailureKind = "HookInstallationError"
	FailureRuntime          FailureKind = "RuntimeError"
	// FailureSession covers a session that could not be launched or could
	// not load the origin.
	FailureSession FailureKind = "SessionError"
)

const failurePrefix = "error analysing sample: "

// Failure is published as a plain JSON string.
type Failure struct {
	Kind        FailureKind
	Description string
}

func (Failure) isRecord() {}

func (f Failure) String() string {
	return failurePrefix + string(f.Kind) + ": " + f.Description
}

func (f Failure) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(f.String())
}

func (f *Failure) UnmarshalJSON(data []byte) error {
	var s string
	if err := sonic.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseFailure(s)
	if !ok {
		return fmt.Errorf("not a failure message: %q", s)
	}
	*f = parsed
	return nil
}

// ParseFailure reverses Failure.String.
func ParseFailure(s string) (Failure, bool) {
	rest, ok := strings.CutPrefix(s, failurePrefix)
	if !ok {
		return Failure{}, false
	}
	kind, desc, ok := strings.Cut(rest, ": ")
	if !ok {
		return Failure{}, false
	}
	return Failure{Kind: FailureKind(kind), Description: desc}, true
}

// Encode serializes a record to its wire form.
func Encode(r Record) ([]byte, error) {
	switch rec := r.(type) {
	case *AnalysisResult:
		if rec.IoCs == nil {
			clone := *rec
			clone.IoCs = []IoC{}
			return sonic.Marshal(&clone)
		}
		return sonic.Marshal(rec)
	case Failure:
		return rec.MarshalJSON()
	default:
		return nil, fmt.Errorf("unsupported record type %T", r)
	}
}

// Decode parses a wire record, telling the two shapes apart by whether the
// document is a JSON string.
func Decode(data []byte) (Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var f Failure
		if err := f.UnmarshalJSON([]byte(trimmed)); err != nil {
			return nil, err
		}
		return f, nil
	}
	var res AnalysisResult
	if err := sonic.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode analysis result: %w", err)
	}
	return &res, nil
}
