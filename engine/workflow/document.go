package workflow

import (
	"fmt"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/goccy/go-yaml"
)

// ValidateDocument checks that a definition decodes to a non-empty mapping
// and that an embedded name, when present, matches the workflow name.
func ValidateDocument(name string, doc []byte) error {
	if len(doc) == 0 {
		return core.Errorf(core.ErrValidation, "definition document is empty")
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return core.NewError(core.ErrValidation, "definition document is not valid YAML or JSON", err)
	}
	if len(parsed) == 0 {
		return core.Errorf(core.ErrValidation, "definition document must be a non-empty mapping")
	}
	if raw, ok := parsed["name"]; ok {
		if declared := fmt.Sprint(raw); declared != name {
			return core.Errorf(core.ErrValidation, "definition declares name %q but was registered as %q", declared, name)
		}
	}
	return nil
}

// DefinitionPath is where a workflow's document is stored.
func DefinitionPath(source SourceType, name string) string {
	switch source {
	case SourceCode:
		return "code/" + name + ".yaml"
	default:
		return "manual/" + name + ".yaml"
	}
}
