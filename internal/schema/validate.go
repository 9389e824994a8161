package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resourceURL is the in-memory location every compiled schema is registered under.
const resourceURL = "mem://topchef/schema.json"

// DefaultResultSchema accepts any JSON object. Services registered without an
// explicit result schema use it.
var DefaultResultSchema = json.RawMessage(`{"type":"object"}`)

var (
	// ErrInvalidSchema indicates the schema document could not be compiled.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrValidationFailed is the sentinel that Violations unwraps to.
	ErrValidationFailed = errors.New("schema validation failed")

	errExternalRef = errors.New("external schema references are not allowed")
)

// Violation is a single reason a payload does not satisfy a schema.
type Violation struct {
	// Path is the JSON pointer to the offending value ("/" for the document root).
	Path string `json:"path"`

	// Keyword is the schema keyword that failed (e.g. "maximum", "required").
	Keyword string `json:"keyword"`

	// Message describes the failure.
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Path, v.Message, v.Keyword)
}

// Violations is a non-empty set of validation failures.
type Violations []Violation

// Error implements error interface.
func (vs Violations) Error() string {
	if len(vs) == 0 {
		return "validation failed"
	}
	if len(vs) == 1 {
		return vs[0].String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:\n", len(vs))
	for i, v := range vs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(v.String())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (vs Violations) Unwrap() error {
	return ErrValidationFailed
}

// Strings renders each violation on its own.
func (vs Violations) Strings() []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// Schema is a compiled, immutable schema. It is safe for concurrent use.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// Compile parses and compiles a schema document. References to documents
// outside raw are refused.
func Compile(raw []byte) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSchema)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.LoadURL = func(s string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("%w: %s", errExternalRef, s)
	}

	if err := c.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	return &Schema{raw: append(json.RawMessage(nil), raw...), compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error. Intended for static schemas.
func MustCompile(raw []byte) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the schema document the Schema was compiled from.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

// Validate checks payload against the schema. It returns nil on success or
// Violations sorted by path, keyword and message.
func (s *Schema) Validate(payload []byte) error {
	doc, err := decode(payload)
	if err != nil {
		return Violations{{Path: "/", Keyword: "json", Message: err.Error()}}
	}

	err = s.compiled.Validate(doc)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Violations{{Path: "/", Keyword: "schema", Message: err.Error()}}
	}

	var out Violations
	collect(ve, &out)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		if out[i].Keyword != out[j].Keyword {
			return out[i].Keyword < out[j].Keyword
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// Validate compiles rawSchema and checks payload against it.
func Validate(payload, rawSchema []byte) error {
	s, err := Compile(rawSchema)
	if err != nil {
		return err
	}
	return s.Validate(payload)
}

// decode reads a single JSON document, keeping numbers exact so integer
// checks do not go through float64.
func decode(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("payload has trailing data after the JSON document")
	}
	return doc, nil
}

// collect flattens the cause tree into its leaves.
func collect(ve *jsonschema.ValidationError, out *Violations) {
	if len(ve.Causes) == 0 {
		*out = append(*out, Violation{
			Path:    pointer(ve.InstanceLocation),
			Keyword: keyword(ve.KeywordLocation),
			Message: ve.Message,
		})
		return
	}
	for _, cause := range ve.Causes {
		collect(cause, out)
	}
}

func pointer(loc string) string {
	if loc == "" {
		return "/"
	}
	return loc
}

func keyword(loc string) string {
	if i := strings.LastIndex(loc, "/"); i >= 0 && i < len(loc)-1 {
		return loc[i+1:]
	}
	return "schema"
}
