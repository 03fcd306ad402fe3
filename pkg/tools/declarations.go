package tools

import "github.com/mochi-dev/mochi/pkg/session/gemini"

// Declarations lists the function tools advertised to the model. The
// schemas here must stay in sync with what Run accepts.
func Declarations() []gemini.ToolDeclaration {
	return []gemini.ToolDeclaration{
		{
			Name:        NameSearch,
			Description: "Look up current information on the web and answer the user's question.",
			Parameters: map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "STRING",
						"description": "The question to answer, in the user's own words.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        NameSetReminder,
			Description: "Set a one-shot reminder that rings after a delay.",
			Parameters: map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"delay_minutes": map[string]any{
						"type":        "NUMBER",
						"description": "Minutes from now until the reminder rings.",
					},
					"label": map[string]any{
						"type":        "STRING",
						"description": "What to remind the user about.",
					},
				},
				"required": []string{"delay_minutes", "label"},
			},
		},
		{
			Name:        NameEnterDeepSleep,
			Description: "Power down into deep sleep when the user says they are done for a long while.",
			Parameters:  map[string]any{"type": "OBJECT"},
		},
	}
}
