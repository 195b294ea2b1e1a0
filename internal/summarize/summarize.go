// Package summarize turns a finished transcript into a structured
// meeting summary. Model output is held to a strict JSON contract;
// output that fails the contract degrades to a summary derived from
// the transcript itself instead of failing the session.
package summarize

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// KeyTimestamp marks a notable moment in the meeting.
type KeyTimestamp struct {
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
}

// Summary is the structured output contract.
type Summary struct {
	ExecutiveSummary string         `json:"executiveSummary"`
	KeyPoints        []string       `json:"keyPoints"`
	ActionItems      []string       `json:"actionItems"`
	Decisions        []string       `json:"decisions"`
	KeyTimestamps    []KeyTimestamp `json:"keyTimestamps"`
	// Degraded marks a summary synthesized locally because the model
	// output did not satisfy the contract.
	Degraded bool `json:"degraded,omitempty"`
}

// Summarizer produces a Summary from a full transcript. Errors are
// transient (network, quota) and retryable; contract violations are
// not errors, they surface as a degraded Summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (*Summary, error)
}

//go:embed schema/summary.schema.json
var summarySchemaJSON string

var defaultPrinter = message.NewPrinter(language.English)

var summarySchema = mustCompileSchema(summarySchemaJSON, "summary.schema.json")

func mustCompileSchema(raw, name string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

// Parse decodes and validates raw model output against the summary
// schema. The returned error lists every violated constraint.
func Parse(raw []byte) (*Summary, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("summary is not valid JSON: %w", err)
	}
	if err := summarySchema.Validate(doc); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return nil, fmt.Errorf("summary schema: %w", err)
		}
		var errs []string
		collectSchemaErrors(ve, &errs)
		return nil, fmt.Errorf("summary violates contract: %s", strings.Join(errs, "; "))
	}

	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding summary: %w", err)
	}
	return &s, nil
}

func collectSchemaErrors(ve *jsonschema.ValidationError, errs *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/"
		if len(ve.InstanceLocation) > 0 {
			loc = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		*errs = append(*errs, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(defaultPrinter)))
		return
	}
	for _, c := range ve.Causes {
		collectSchemaErrors(c, errs)
	}
}

// degradedExcerptWords caps how much transcript is copied into a
// degraded executive summary.
const degradedExcerptWords = 60

// Degrade builds a minimal local summary from the transcript text.
func Degrade(transcript string) *Summary {
	words := strings.Fields(transcript)
	excerpt := words
	truncated := false
	if len(words) > degradedExcerptWords {
		excerpt = words[:degradedExcerptWords]
		truncated = true
	}
	exec := strings.Join(excerpt, " ")
	if truncated {
		exec += " ..."
	}
	if exec == "" {
		exec = "No transcript content available."
	}
	return &Summary{
		ExecutiveSummary: exec,
		KeyPoints:        []string{},
		ActionItems:      []string{},
		Decisions:        []string{},
		KeyTimestamps:    []KeyTimestamp{},
		Degraded:         true,
	}
}
