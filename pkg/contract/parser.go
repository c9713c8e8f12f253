// Package contract extracts and validates the single JSON object each
// pipeline stage must return.
package contract

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/odvcencio/hypogate/pkg/errors"
	"github.com/odvcencio/hypogate/pkg/logging"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Parser validates stage output against compiled schemas.
type Parser struct {
	schemas map[SchemaID]*jsonschema.Schema
	logger  *slog.Logger
}

// NewParser compiles every embedded schema.
func NewParser(logger *slog.Logger) (*Parser, error) {
	c := jsonschema.NewCompiler()
	for _, id := range Schemas {
		name := string(id) + ".json"
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", id, err)
		}
		if err := c.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", id, err)
		}
	}

	p := &Parser{
		schemas: make(map[SchemaID]*jsonschema.Schema, len(Schemas)),
		logger:  logging.OrDiscard(logger, logging.CategoryContract),
	}
	for _, id := range Schemas {
		s, err := c.Compile(string(id) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", id, err)
		}
		p.schemas[id] = s
	}
	return p, nil
}

var (
	defaultOnce   sync.Once
	defaultParser *Parser
)

// Default returns a shared parser. The embedded schemas are fixed, so a
// compile failure is a programming error.
func Default() *Parser {
	defaultOnce.Do(func() {
		p, err := NewParser(nil)
		if err != nil {
			panic(err)
		}
		defaultParser = p
	})
	return defaultParser
}

// Parse returns the validated document, or nil when raw does not satisfy
// the schema.
func (p *Parser) Parse(schemaID SchemaID, raw string) Document {
	doc, err := p.ParseDetailed(schemaID, raw)
	if err != nil {
		p.logger.Debug("contract mismatch", "schema", schemaID, "error", err)
		return nil
	}
	return doc
}

// ParseDetailed is Parse with the reason for a mismatch.
func (p *Parser) ParseDetailed(schemaID SchemaID, raw string) (Document, error) {
	schema, ok := p.schemas[schemaID]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown schema %q", schemaID)
	}

	obj, ok := ExtractObject(raw)
	if !ok {
		return nil, violation(schemaID, "no JSON object found in output")
	}

	var generic any
	if err := json.Unmarshal([]byte(obj), &generic); err != nil {
		return nil, violation(schemaID, "malformed json: %v", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, violation(schemaID, "schema validation failed: %v", err)
	}

	doc := newDocument(schemaID)
	if err := json.Unmarshal([]byte(obj), doc); err != nil {
		return nil, violation(schemaID, "decode failed: %v", err)
	}
	normalizeDocument(doc)
	if err := checkRules(doc); err != nil {
		return nil, violation(schemaID, "%v", err)
	}
	return doc, nil
}

func violation(schemaID SchemaID, format string, args ...any) error {
	return errors.Newf(errors.ErrCodeContractViolation, format, args...).
		WithContext("schema", string(schemaID)).
		WithRetryable(true)
}

func newDocument(id SchemaID) Document {
	switch id {
	case SchemaAnalysis:
		return &Analysis{}
	case SchemaNormalization:
		return &Normalization{}
	case SchemaFalsificationPlan:
		return &FalsificationPlan{}
	case SchemaExperimentPlan:
		return &ExperimentPlan{}
	case SchemaDatasetDiscovery:
		return &DatasetDiscovery{}
	}
	return nil
}

// Canonical re-serializes a document in its canonical encoding. Parsing the
// result yields an equal document.
func Canonical(doc Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}
	return json.Marshal(doc)
}

// Parse validates raw with the default parser.
func Parse(schemaID SchemaID, raw string) Document {
	return Default().Parse(schemaID, raw)
}

// ParseAnalysis parses an analysis document, or returns nil.
func ParseAnalysis(raw string) *Analysis {
	doc, _ := Parse(SchemaAnalysis, raw).(*Analysis)
	return doc
}

// ParseNormalization parses a normalization document, or returns nil.
func ParseNormalization(raw string) *Normalization {
	doc, _ := Parse(SchemaNormalization, raw).(*Normalization)
	return doc
}

// ParseFalsificationPlan parses a falsification plan, or returns nil.
func ParseFalsificationPlan(raw string) *FalsificationPlan {
	doc, _ := Parse(SchemaFalsificationPlan, raw).(*FalsificationPlan)
	return doc
}

// ParseExperimentPlan parses an experiment plan, or returns nil.
func ParseExperimentPlan(raw string) *ExperimentPlan {
	doc, _ := Parse(SchemaExperimentPlan, raw).(*ExperimentPlan)
	return doc
}

// ParseDatasetDiscovery parses a dataset discovery plan, or returns nil.
func ParseDatasetDiscovery(raw string) *DatasetDiscovery {
	doc, _ := Parse(SchemaDatasetDiscovery, raw).(*DatasetDiscovery)
	return doc
}
