package ingest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/insight_batch.json
var insightBatchSchema string

// SourcePayload describes where a batch of insights came from.
type SourcePayload struct {
	Title       string  `json:"title"`
	Kind        string  `json:"kind,omitempty"`
	Author      *string `json:"author,omitempty"`
	ExternalURL *string `json:"external_url,omitempty"`
}

// InsightPayload is one raw extracted insight record.
type InsightPayload struct {
	Statement     string  `json:"statement"`
	ContextNote   *string `json:"context_note,omitempty"`
	EvidenceType  *string `json:"evidence_type,omitempty"`
	Confidence    *string `json:"confidence,omitempty"`
	Importance    *int16  `json:"importance,omitempty"`
	Actionability *string `json:"actionability,omitempty"`
	Audience      *string `json:"audience,omitempty"`
	Locator       *string `json:"locator,omitempty"`
}

// Batch is the ingestion payload: one source and its extracted insights.
type Batch struct {
	Source   SourcePayload    `json:"source"`
	Insights []InsightPayload `json:"insights"`
}

// Validator checks raw ingestion payloads against the batch schema before
// anything touches the database.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("insight_batch.json", strings.NewReader(insightBatchSchema)); err != nil {
		return nil, fmt.Errorf("add batch schema resource: %w", err)
	}
	schema, err := compiler.Compile("insight_batch.json")
	if err != nil {
		return nil, fmt.Errorf("compile batch schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Parse validates raw JSON and decodes it into a Batch.
func (v *Validator) Parse(raw []byte) (Batch, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Batch{}, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(generic); err != nil {
		return Batch{}, fmt.Errorf("payload failed schema validation: %w", err)
	}

	var batch Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return Batch{}, fmt.Errorf("decode payload: %w", err)
	}
	return batch, nil
}
