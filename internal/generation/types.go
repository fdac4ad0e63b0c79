// Package generation produces the two-stage spoken answers for a detected
// question.
package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/lukasbauer/mendan/internal/matcher"
)

// Stage names used in logs, metrics and events.
const (
	Stage1 = "stage1"
	Stage2 = "stage2"
)

// Stage1Request asks for the short (about ten second) answer.
type Stage1Request struct {
	Question       string   `json:"question" validate:"required"`
	Category       string   `json:"category" validate:"required,category"`
	ProfileSummary string   `json:"profile_summary"`
	ProfileBullets []string `json:"profile_bullets" validate:"max=5"`
	Language       string   `json:"language"`
}

// Stage2Request asks for the continuation of a Stage-1 answer.
type Stage2Request struct {
	Question       string   `json:"question" validate:"required"`
	Category       string   `json:"category" validate:"required,category"`
	Stage1Answer   string   `json:"stage1_answer"`
	ProfileSummary string   `json:"profile_summary"`
	ProfileBullets []string `json:"profile_bullets" validate:"max=5"`
	Language       string   `json:"language"`
}

func (r *Stage1Request) applyDefaults() {
	if r.Language == "" {
		r.Language = "ja"
	}
	if r.ProfileBullets == nil {
		r.ProfileBullets = []string{}
	}
}

func (r *Stage2Request) applyDefaults() {
	if r.Language == "" {
		r.Language = "ja"
	}
	if r.ProfileBullets == nil {
		r.ProfileBullets = []string{}
	}
}

// Stage1Payload is the short answer.
type Stage1Payload struct {
	Answer10s   string   `json:"answer_10s"`
	Keywords    []string `json:"keywords"`
	Assumptions []string `json:"assumptions"`
}

// Followup is a likely follow-up question with a suggested reply.
type Followup struct {
	Question        string `json:"question"`
	SuggestedAnswer string `json:"suggested_answer"`
}

// Stage2Payload is the continuation plus exactly three follow-ups.
type Stage2Payload struct {
	Answer30s string     `json:"answer_30s"`
	Followups []Followup `json:"followups"`
}

// Envelope types.
const (
	EnvelopeDelta = "delta"
	EnvelopeDone  = "done"
	EnvelopeError = "error"
)

// Envelope is one NDJSON record of a streamed stage: a text delta, the final
// result, or an error.
type Envelope[T any] struct {
	Type   string `json:"type"`
	Delta  string `json:"delta,omitempty"`
	Result *T     `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func deltaEnvelope[T any](d string) Envelope[T] { return Envelope[T]{Type: EnvelopeDelta, Delta: d} }
func doneEnvelope[T any](r T) Envelope[T]       { return Envelope[T]{Type: EnvelopeDone, Result: &r} }
func errorEnvelope[T any](e string) Envelope[T] { return Envelope[T]{Type: EnvelopeError, Error: e} }

// ParseEnvelope decodes one NDJSON record and checks it is a known variant.
func ParseEnvelope[T any](line []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(line, &env); err != nil {
		return env, fmt.Errorf("generation: decode envelope: %w", err)
	}
	switch env.Type {
	case EnvelopeDelta:
	case EnvelopeDone:
		if env.Result == nil {
			return env, errors.New("generation: done envelope without result")
		}
	case EnvelopeError:
		if env.Error == "" {
			env.Error = "generation failed"
		}
	default:
		return env, fmt.Errorf("generation: unknown envelope type %q", env.Type)
	}
	return env, nil
}

// JSON schemas sent with the structured-output request.
var (
	stage1Schema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "answer_10s": {"type": "string"},
    "keywords": {"type": "array", "items": {"type": "string"}, "maxItems": 5},
    "assumptions": {"type": "array", "items": {"type": "string"}, "maxItems": 3}
  },
  "required": ["answer_10s", "keywords", "assumptions"]
}`)

	stage2Schema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "answer_30s": {"type": "string"},
    "followups": {
      "type": "array",
      "minItems": 3,
      "maxItems": 3,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "question": {"type": "string"},
          "suggested_answer": {"type": "string"}
        },
        "required": ["question", "suggested_answer"]
      }
    }
  },
  "required": ["answer_30s", "followups"]
}`)
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("category", func(fl validator.FieldLevel) bool {
			_, err := matcher.ParseCategory(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// ValidationError lists the fields a request failed on.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Fields, "; ")
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, fmt.Sprintf("%s failed %s", jsonName(fe.Field()), fe.Tag()))
	}
	return out
}

func jsonName(field string) string {
	switch field {
	case "Question":
		return "question"
	case "Category":
		return "category"
	case "ProfileBullets":
		return "profile_bullets"
	default:
		return strings.ToLower(field)
	}
}

// DecodeStage1Request validates a request body and fills defaults.
func DecodeStage1Request(body []byte) (Stage1Request, error) {
	var req Stage1Request
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	if err := requestValidator().Struct(req); err != nil {
		return req, validationError(err)
	}
	req.applyDefaults()
	return req, nil
}

// DecodeStage2Request validates a request body and fills defaults.
func DecodeStage2Request(body []byte) (Stage2Request, error) {
	var req Stage2Request
	if err := json.Unmarshal(body, &req); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	if err := requestValidator().Struct(req); err != nil {
		return req, validationError(err)
	}
	req.applyDefaults()
	return req, nil
}
