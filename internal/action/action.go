// Package action defines the closed set of structural changes the queen may request
// and extracts them from free-form model output.
package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Type names an action variant.
type Type string

const (
	TypeCreateAgent Type = "create_agent"
	TypeAdjustAgent Type = "adjust_agent"
	TypePauseAgent  Type = "pause_agent"
	TypeDeleteAgent Type = "delete_agent"
	TypeAnalyze     Type = "analyze"
)

// ErrNoAction is returned when text carries no well-formed action.
var ErrNoAction = errors.New("action: no valid action found")

// Action is implemented only by the variants in this package.
type Action interface {
	Type() Type
	// AgentID returns the agent targeted by the action, empty when none.
	AgentID() string
	isAction()
}

// AgentSpec describes a subordinate to be created.
type AgentSpec struct {
	Name        string   `json:"name"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Description string   `json:"description,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Channels    []string `json:"channels,omitempty"`
}

// Changes is a partial update; nil fields are untouched.
type Changes struct {
	Provider    *string                `json:"provider,omitempty"`
	Model       *string                `json:"model,omitempty"`
	Description *string                `json:"description,omitempty"`
	Prompt      *string                `json:"prompt,omitempty"`
	Channels    *[]string              `json:"channels,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

type CreateAgent struct {
	Spec AgentSpec `json:"spec"`
}

type AdjustAgent struct {
	Agent   string  `json:"agent_id"`
	Changes Changes `json:"changes"`
}

type PauseAgent struct {
	Agent  string `json:"agent_id"`
	Reason string `json:"reason,omitempty"`
}

type DeleteAgent struct {
	Agent  string `json:"agent_id"`
	Reason string `json:"reason,omitempty"`
}

type Analyze struct {
	Content string `json:"content,omitempty"`
}

func (CreateAgent) Type() Type { return TypeCreateAgent }
func (AdjustAgent) Type() Type { return TypeAdjustAgent }
func (PauseAgent) Type() Type  { return TypePauseAgent }
func (DeleteAgent) Type() Type { return TypeDeleteAgent }
func (Analyze) Type() Type     { return TypeAnalyze }

func (CreateAgent) AgentID() string   { return "" }
func (a AdjustAgent) AgentID() string { return a.Agent }
func (a PauseAgent) AgentID() string  { return a.Agent }
func (a DeleteAgent) AgentID() string { return a.Agent }
func (Analyze) AgentID() string       { return "" }

func (CreateAgent) isAction() {}
func (AdjustAgent) isAction() {}
func (PauseAgent) isAction()  {}
func (DeleteAgent) isAction() {}
func (Analyze) isAction()     {}

// candidatePattern locates a brace-delimited region mentioning an "action" key.
var candidatePattern = regexp.MustCompile(`(?s)\{.*"action"\s*:\s*"[^"]+?".*\}`)

// Extract finds the first embedded JSON object with a valid action in text.
// Malformed or unknown shapes yield ErrNoAction.
func Extract(text string) (Action, error) {
	region := candidatePattern.FindString(text)
	if region == "" {
		return nil, ErrNoAction
	}
	for _, obj := range balancedObjects(region) {
		if !strings.Contains(obj, `"action"`) {
			continue
		}
		if a, err := Parse([]byte(obj)); err == nil {
			return a, nil
		}
	}
	return nil, ErrNoAction
}

// Parse strictly decodes a single JSON action object.
func Parse(data []byte) (Action, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var head struct {
		Action Type `json:"action"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch head.Action {
	case TypeCreateAgent:
		var v struct {
			Action Type `json:"action"`
			CreateAgent
		}
		if err := strictDecode(data, &v); err != nil {
			return nil, err
		}
		v.Spec.Name = strings.TrimSpace(v.Spec.Name)
		if v.Spec.Name == "" {
			return nil, fmt.Errorf("create_agent: spec.name required")
		}
		return v.CreateAgent, nil
	case TypeAdjustAgent:
		var v struct {
			Action Type `json:"action"`
			AdjustAgent
		}
		if err := strictDecode(data, &v); err != nil {
			return nil, err
		}
		return v.AdjustAgent, nil
	case TypePauseAgent:
		var v struct {
			Action Type `json:"action"`
			PauseAgent
		}
		if err := strictDecode(data, &v); err != nil {
			return nil, err
		}
		return v.PauseAgent, nil
	case TypeDeleteAgent:
		var v struct {
			Action Type `json:"action"`
			DeleteAgent
		}
		if err := strictDecode(data, &v); err != nil {
			return nil, err
		}
		return v.DeleteAgent, nil
	case TypeAnalyze:
		var v struct {
			Action Type `json:"action"`
			Analyze
		}
		if err := strictDecode(data, &v); err != nil {
			return nil, err
		}
		return v.Analyze, nil
	default:
		return nil, fmt.Errorf("unknown action %q", head.Action)
	}
}

// Marshal renders an action back into its wire form.
func Marshal(a Action) ([]byte, error) {
	if a == nil {
		return nil, ErrNoAction
	}
	var body []byte
	var err error
	switch v := a.(type) {
	case CreateAgent:
		body, err = json.Marshal(v)
	case AdjustAgent:
		body, err = json.Marshal(v)
	case PauseAgent:
		body, err = json.Marshal(v)
	case DeleteAgent:
		body, err = json.Marshal(v)
	case Analyze:
		body, err = json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported action %T", a)
	}
	if err != nil {
		return nil, err
	}
	head := fmt.Sprintf(`{"action":%q`, a.Type())
	if len(body) > 2 {
		return []byte(head + "," + string(body[1:])), nil
	}
	return []byte(head + "}"), nil
}

func strictDecode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	return nil
}

// balancedObjects returns every top-level balanced {...} substring of s, honouring JSON strings.
// An opening brace that never closes is skipped and scanning resumes right after it.
func balancedObjects(s string) []string {
	var (
		out      []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}
	if depth > 0 && start >= 0 {
		out = append(out, balancedObjects(s[start+1:])...)
	}
	return out
}
