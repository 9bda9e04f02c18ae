package config

import "fmt"

// ConfigError reports a wrong or missing target configuration. It is raised
// before any I/O and is the only error a channel returns to its caller.
type ConfigError struct {
	Target string
	Field  string
	Msg    string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Target != "" && e.Field != "":
		return fmt.Sprintf("target %q: %s: %s", e.Target, e.Field, e.Msg)
	case e.Target != "":
		return fmt.Sprintf("target %q: %s", e.Target, e.Msg)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	default:
		return e.Msg
	}
}

// Validate checks that t can be dispatched. wantType, when non-empty, is the
// type the calling channel serves.
func (t *Target) Validate(wantType string) error {
	if t == nil {
		return &ConfigError{Msg: "target is nil"}
	}
	if wantType != "" && t.Type != wantType {
		return &ConfigError{Target: t.Name, Field: "type", Msg: fmt.Sprintf("want %q, got %q", wantType, t.Type)}
	}
	switch t.Type {
	case TypeAgent, TypeScript:
	case "":
		return &ConfigError{Target: t.Name, Field: "type", Msg: "is required"}
	default:
		return &ConfigError{Target: t.Name, Field: "type", Msg: fmt.Sprintf("must be one of %s, %s (got %q)", TypeAgent, TypeScript, t.Type)}
	}
	if len(t.commandFields()) == 0 {
		return &ConfigError{Target: t.Name, Field: "command", Msg: "is required"}
	}
	if envVarPattern.MatchString(t.Command) {
		return &ConfigError{Target: t.Name, Field: "command", Msg: fmt.Sprintf("environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(t.Command)[1])}
	}
	if t.Timeout < 0 {
		return &ConfigError{Target: t.Name, Field: "timeout", Msg: "must not be negative"}
	}
	if t.PromptTimeout < 0 {
		return &ConfigError{Target: t.Name, Field: "prompt_timeout", Msg: "must not be negative"}
	}
	if t.Type == TypeScript && (t.SessionID != "" || t.SystemPrompt != "") {
		return &ConfigError{Target: t.Name, Msg: "session_id and system_prompt apply to agent targets only"}
	}
	return nil
}
