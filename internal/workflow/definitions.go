package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/opspawn/ops-core/internal/metrics"
	"github.com/opspawn/ops-core/internal/storage"
	"github.com/opspawn/ops-core/pkg/opserr"
	"github.com/opspawn/ops-core/pkg/types"
)

// definitionNamespace seeds name-derived definition ids.
var definitionNamespace = uuid.MustParse("6f1c2a7e-4b0d-5c39-9a8e-2d7f3b1e0c54")

// LoadTemplate parses a YAML or JSON workflow template into definition data
// suitable for CreateWorkflow. The document must be a mapping.
func LoadTemplate(content []byte, format string) (map[string]any, error) {
	const op = "workflow.LoadTemplate"

	var doc any
	switch strings.ToLower(format) {
	case "yaml", "yml", "":
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, opserr.E(opserr.KindWorkflowDefinition, op, "malformed yaml template", err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, opserr.E(opserr.KindWorkflowDefinition, op, "malformed json template", err)
		}
	default:
		return nil, opserr.Errorf(opserr.KindWorkflowDefinition, op, "unsupported template format %q", format)
	}

	data, ok := doc.(map[string]any)
	if !ok {
		return nil, opserr.Errorf(opserr.KindWorkflowDefinition, op, "template does not describe a workflow definition")
	}
	return data, nil
}

// CreateWorkflow validates definition data, assigns an id derived from the name
// when none is given, and stores the definition.
func (e *Engine) CreateWorkflow(ctx context.Context, data map[string]any) (*types.WorkflowDefinition, error) {
	const op = "workflow.CreateWorkflow"

	doc, err := normalize(data)
	if err != nil {
		return nil, opserr.E(opserr.KindWorkflowDefinition, op, "definition is not serializable", err)
	}

	if result := e.validator.ValidateDefinition(doc); !result.Valid {
		return nil, opserr.E(opserr.KindWorkflowDefinition, op, "invalid workflow definition", result.Err())
	}

	if v, ok := doc["version"].(float64); ok {
		doc["version"] = strconv.FormatFloat(v, 'f', -1, 64)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, opserr.E(opserr.KindWorkflowDefinition, op, "encode definition", err)
	}
	var def types.WorkflowDefinition
	if err := types.DecodeJSON(raw, &def); err != nil {
		return nil, opserr.E(opserr.KindWorkflowDefinition, op, "decode definition", err)
	}

	if def.ID == "" {
		def.ID = deriveID(def.Name, raw)
	}
	if err := types.Validate(&def); err != nil {
		return nil, opserr.E(opserr.KindWorkflowDefinition, op, "invalid workflow definition", err)
	}

	err = e.store.SaveWorkflowDefinition(ctx, &def)
	metrics.StoreOperations.WithLabelValues("save_definition", metrics.Result(err)).Inc()
	if err != nil {
		return nil, opserr.E(opserr.KindStorage, op, "persist definition", err)
	}

	e.logger.Info("workflow definition stored",
		slog.String("workflow_id", def.ID),
		slog.String("name", def.Name),
		slog.Int("tasks", len(def.Tasks)),
	)
	return &def, nil
}

// GetWorkflowDefinition returns the stored definition with id.
func (e *Engine) GetWorkflowDefinition(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	const op = "workflow.GetWorkflowDefinition"

	def, err := e.store.ReadWorkflowDefinition(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, opserr.E(opserr.KindWorkflowDefinitionNotFound, op, "workflow "+id, err)
		}
		return nil, opserr.E(opserr.KindStorage, op, "read definition", err)
	}
	return def, nil
}

// ListWorkflowDefinitions returns every stored definition.
func (e *Engine) ListWorkflowDefinitions(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	defs, err := e.store.ListWorkflowDefinitions(ctx)
	if err != nil {
		return nil, opserr.E(opserr.KindStorage, "workflow.ListWorkflowDefinitions", "list definitions", err)
	}
	return defs, nil
}

// normalize converts decoded YAML or Go values into plain JSON values.
func normalize(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// deriveID returns a stable id for a definition without one. Named definitions
// hash the name; unnamed ones hash their content.
func deriveID(name string, content []byte) string {
	if name != "" {
		return uuid.NewSHA1(definitionNamespace, []byte(name)).String()
	}
	return uuid.NewSHA1(definitionNamespace, content).String()
}
