package runner

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/wandb/launch/common/types"
)

// SubstituteMacros walks a resource_args fragment and replaces the supported
// ${macro} placeholders in every string value. Unknown macros are left
// untouched so user templating for other systems passes through.
func SubstituteMacros(args map[string]interface{}, project *types.LaunchProject, imageURI string) map[string]interface{} {
	replacer := strings.NewReplacer(
		"${image_uri}", imageURI,
		"${project_name}", project.TargetProj,
		"${entity_name}", project.TargetEntity,
		"${run_id}", project.RunID,
		"${run_name}", project.RunID,
		"${sweep_id}", project.SweepID,
	)
	out, _ := substituteValue(args, replacer).(map[string]interface{})
	return out
}

func substituteValue(value interface{}, replacer *strings.Replacer) interface{} {
	switch v := value.(type) {
	case string:
		return replacer.Replace(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, elem := range v {
			out[key] = substituteValue(elem, replacer)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = substituteValue(elem, replacer)
		}
		return out
	default:
		return v
	}
}

// EnvVars derives the environment injected into every launched job.
func EnvVars(project *types.LaunchProject, imageURI string, baseURL string, apiKey string) map[string]string {
	env := map[string]string{
		"WANDB_BASE_URL": baseURL,
		"WANDB_API_KEY":  apiKey,
		"WANDB_PROJECT":  project.TargetProj,
		"WANDB_ENTITY":   project.TargetEntity,
		"WANDB_RUN_ID":   project.RunID,
		"WANDB_LAUNCH":   "true",
	}
	if imageURI != "" {
		env["WANDB_DOCKER"] = imageURI
	}
	if project.SweepID != "" {
		env["WANDB_SWEEP_ID"] = project.SweepID
	}
	if project.Author != "" {
		env["WANDB_USERNAME"] = project.Author
	}
	if len(project.OverrideConfig) > 0 {
		if encoded, err := json.Marshal(project.OverrideConfig); err == nil {
			env["WANDB_CONFIG"] = string(encoded)
		}
	}
	return env
}

// envSlice flattens an env map into KEY=VALUE form for exec-style backends.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	return out
}
