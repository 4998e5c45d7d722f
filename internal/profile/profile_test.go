package profile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/profilegen/internal/kpi"
	"github.com/spigell/profilegen/internal/llm"
)

const validProfile = `{
  "position_title": "Аналитик",
  "department": "Отдел разработки",
  "summary": "Собирает и формализует требования.",
  "responsibilities": ["Сбор требований", "Написание ТЗ", "Приемка"],
  "kpi": [{"name": "Срок подготовки ТЗ", "target": "5 дней", "weight": 0.5}],
  "qualifications": {"education": "Высшее", "experience_years": 3}
}`

func TestBuildPrompt(t *testing.T) {
	dataset := &kpi.Dataset{
		Key:          "dit",
		PositionsMap: map[string]string{"Руководитель": "Директор по ИТ"},
		Rows: []kpi.Row{
			{Name: "Доступность систем", Target: "99.5", Weight: 0.4, Responsible: "Руководитель"},
		},
	}

	system, prompt, err := BuildPrompt(Input{
		PositionID:     "pos-42",
		PositionName:   "Аналитик",
		BusinessUnit:   "Отдел разработки",
		DepartmentPath: []string{"ДИТ", "Отдел разработки"},
		Dataset:        dataset,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, system)
	assert.Contains(t, prompt, `"id": "pos-42"`)
	assert.Contains(t, prompt, "Доступность систем")
	assert.Contains(t, prompt, "Директор по ИТ")
	assert.NotContains(t, prompt, "{{")
}

func TestBuildPromptWithoutDataset(t *testing.T) {
	_, prompt, err := BuildPrompt(Input{PositionID: "pos-1", PositionName: "Юрист"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "[]")
}

func TestParse(t *testing.T) {
	tests := map[string]struct {
		raw      string
		expErr   bool
		expTitle string
	}{
		"plain json": {
			raw:      validProfile,
			expTitle: "Аналитик",
		},
		"fenced json": {
			raw:      "```json\n" + validProfile + "\n```",
			expTitle: "Аналитик",
		},
		"prose around object": {
			raw:      "Вот профиль:\n" + validProfile + "\nГотово.",
			expTitle: "Аналитик",
		},
		"empty": {
			raw:    "  ",
			expErr: true,
		},
		"not json": {
			raw:    "I cannot help with that",
			expErr: true,
		},
		"missing required field": {
			raw:    `{"position_title": "Аналитик", "summary": "x"}`,
			expErr: true,
		},
		"wrong type": {
			raw:    `{"position_title": "Аналитик", "summary": "x", "responsibilities": "all of them"}`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Parse(test.raw)
			if test.expErr {
				require.Error(t, err)
				assert.Equal(t, llm.KindInvalidResponse, llm.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expTitle, got["position_title"])
		})
	}
}

func TestParseReportsSchemaProblems(t *testing.T) {
	_, err := Parse(`{"position_title": "", "summary": "x", "responsibilities": []}`)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "responsibilities"), err.Error())
}
