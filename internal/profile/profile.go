// Package profile builds the generation prompt for a position and validates what the model returns.
package profile

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/spigell/profilegen/internal/kpi"
	"github.com/spigell/profilegen/internal/llm"
)

var (
	//go:embed system.md
	systemPrompt string

	//go:embed prompt.md
	promptTemplate string

	//go:embed schema.json
	schemaJSON []byte

	schema = mustSchema(schemaJSON)
)

func mustSchema(data []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("profile schema: %v", err))
	}
	return s
}

// Input is the resolved context of one generation.
type Input struct {
	PositionID     string
	PositionName   string
	BusinessUnit   string
	DepartmentPath []string
	Dataset        *kpi.Dataset
}

type kpiRow struct {
	Name        string  `json:"name"`
	Unit        string  `json:"unit,omitempty"`
	Target      string  `json:"target,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Period      string  `json:"period,omitempty"`
	Responsible string  `json:"responsible,omitempty"`
}

// BuildPrompt renders the system instruction and the user prompt for in.
func BuildPrompt(in Input) (system string, prompt string, err error) {
	position := map[string]any{
		"id":              in.PositionID,
		"name":            in.PositionName,
		"business_unit":   in.BusinessUnit,
		"department_path": in.DepartmentPath,
	}
	positionJSON, err := json.MarshalIndent(position, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal position payload: %w", err)
	}

	rows := []kpiRow{}
	if in.Dataset != nil {
		for _, r := range in.Dataset.Rows {
			rows = append(rows, kpiRow{
				Name:        r.Name,
				Unit:        r.Unit,
				Target:      r.Target,
				Weight:      r.Weight,
				Period:      r.Period,
				Responsible: in.Dataset.Responsible(r),
			})
		}
	}
	kpiJSON, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal kpi payload: %w", err)
	}

	prompt = strings.ReplaceAll(promptTemplate, "{{POSITION_JSON}}", string(positionJSON))
	prompt = strings.ReplaceAll(prompt, "{{KPI_JSON}}", string(kpiJSON))

	return strings.TrimSpace(systemPrompt), prompt, nil
}

// Parse extracts the JSON object from a model response and validates it.
// Every failure is classified as an invalid response.
func Parse(raw string) (map[string]any, error) {
	cleaned := extractJSON(raw)
	if cleaned == "" {
		return nil, llm.Errorf(llm.KindInvalidResponse, nil, "empty response")
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return nil, llm.Errorf(llm.KindInvalidResponse, err, "response is not valid json")
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, llm.Errorf(llm.KindInvalidResponse, nil, "response does not match profile schema: %s", strings.Join(problems, "; "))
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, llm.Errorf(llm.KindInvalidResponse, err, "parse response")
	}

	return data, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	raw = strings.TrimSpace(raw)

	// Models sometimes wrap the object in prose.
	if !strings.HasPrefix(raw, "{") {
		start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
		if start != -1 && end > start {
			raw = raw[start : end+1]
		}
	}
	return raw
}
