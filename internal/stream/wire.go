package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
)

// Wire payloads of the Assistants streaming protocol. Only the fields the decoder reads are
// declared.

type wireObject struct {
	Object string          `json:"object"`
	Error  json.RawMessage `json:"error"`
}

type wireMessage struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

type wireMessageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []wireContentDelta `json:"content"`
	} `json:"delta"`
}

type wireContentDelta struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Text  *struct {
		Value       string           `json:"value"`
		Annotations []wireAnnotation `json:"annotations"`
	} `json:"text"`
}

type wireAnnotation struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	FileCitation *struct {
		FileID   string `json:"file_id"`
		FileName string `json:"filename"`
	} `json:"file_citation"`
	FilePath *struct {
		FileID string `json:"file_id"`
	} `json:"file_path"`
}

type wireRun struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireStepDelta struct {
	ID    string `json:"id"`
	Delta struct {
		StepDetails struct {
			Type      string         `json:"type"`
			ToolCalls []wireStepCall `json:"tool_calls"`
		} `json:"step_details"`
	} `json:"delta"`
}

type wireStepCall struct {
	Index           int    `json:"index"`
	ID              string `json:"id"`
	Type            string `json:"type"`
	CodeInterpreter *struct {
		Input   string `json:"input"`
		Outputs []struct {
			Type string `json:"type"`
			Logs string `json:"logs"`
		} `json:"outputs"`
	} `json:"code_interpreter"`
}

func (a wireAnnotation) annotation() models.Annotation {
	res := models.Annotation{Type: a.Type, Text: a.Text}
	switch {
	case a.FileCitation != nil:
		res.FileID = a.FileCitation.FileID
		res.FileName = a.FileCitation.FileName
	case a.FilePath != nil:
		res.FileID = a.FilePath.FileID
	}
	return res
}

func (c wireToolCall) toolCall() models.ToolCall {
	args := json.RawMessage(c.Function.Arguments)
	if !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	return models.ToolCall{
		ID:        c.ID,
		Name:      c.Function.Name,
		Arguments: args,
	}
}

// errorText extracts a message from an error payload that is either a JSON string or an object
// with a message field.
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}

func messageRole(role string) models.Role {
	switch role {
	case string(models.RoleUser):
		return models.RoleUser
	default:
		return models.RoleAssistant
	}
}

func runEvents(run wireRun) []Event {
	switch models.RunStatus(run.Status) {
	case models.RunStatusRequiresAction:
		ev := Event{Kind: KindRequiresAction, RunID: run.ID}
		if run.RequiredAction != nil {
			for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
				ev.ToolCalls = append(ev.ToolCalls, tc.toolCall())
			}
		}
		return []Event{ev}
	case models.RunStatusCompleted, models.RunStatusIncomplete:
		return []Event{{Kind: KindRunCompleted}}
	case models.RunStatusFailed, models.RunStatusExpired:
		msg := fmt.Sprintf("run %s", run.Status)
		if run.LastError != nil && run.LastError.Message != "" {
			msg = run.LastError.Message
		}
		return []Event{{Kind: KindRunFailed, Err: msg}}
	case models.RunStatusCancelled:
		return []Event{{Kind: KindRunCancelled}}
	default:
		return nil
	}
}
