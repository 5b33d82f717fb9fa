package tools

import (
	"context"
	"errors"
)

// AlertName is the name of the built-in alert tool.
const AlertName = "show_alert"

// Alert returns a tool that forwards a message to notify.
func Alert(notify func(message string)) Tool {
	return Tool{
		Name:        AlertName,
		Description: "Shows a short alert message to the user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The message to display",
				},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			msg, _ := args["message"].(string)
			if msg == "" {
				return nil, errors.New("message is required")
			}
			if notify != nil {
				notify(msg)
			}
			return "Alert shown", nil
		},
	}
}
