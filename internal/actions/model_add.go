package actions

import (
	"fmt"

	"github.com/pipeflow/engine/internal/models"
	"github.com/pipeflow/engine/internal/registry"
)

// modelAddAppID is the downstream application invoke_service targets.
const modelAddAppID = "model-registry"

func init() {
	registry.RegisterForDiscovery(models.ActionMeta{
		Type:          "model_add",
		Version:       "1.0.0",
		DisplayName:   "Add Model",
		Category:      "Model Operations",
		Description:   "Starts an asynchronous model-onboarding workflow and completes when the downstream service reports it finished",
		ExecutionMode: models.ExecutionModeEventDriven,
		TimeoutSeconds: 1800,
		RequiredServices: []string{modelAddAppID},
		Params: []models.ParamDefinition{
			{Name: "huggingface_id", Type: models.ParamTypeString, Required: true},
			{Name: "model_name", Type: models.ParamTypeString},
			{Name: "max_wait_seconds", Type: models.ParamTypeNumber, Default: 1800},
		},
		Outputs: []models.OutputDefinition{
			{Name: "success", Type: models.ParamTypeBoolean},
			{Name: "model_id", Type: models.ParamTypeString},
			{Name: "status", Type: models.ParamTypeString},
		},
	}, func() models.Executor { return modelAddExecutor{} })
}

// modelAddExecutor kicks off an asynchronous model-onboarding workflow in
// the downstream registry, suspends its step, and completes it when the
// registry's workflow_completed notification arrives.
type modelAddExecutor struct{}

func (modelAddExecutor) Execute(ctx models.ActionContext) models.ActionResult {
	huggingfaceID, _ := ctx.Params["huggingface_id"].(string)
	if huggingfaceID == "" {
		return models.ActionResult{Success: false, Error: "huggingface_id is required"}
	}
	modelName, _ := ctx.Params["model_name"].(string)
	maxWait := 1800
	if v, ok := ctx.Params["max_wait_seconds"]; ok {
		maxWait = int(toFloat(v))
	}

	if ctx.InvokeService == nil {
		return models.ActionResult{Success: false, Error: "invoke_service is not configured"}
	}
	resp, err := ctx.InvokeService(ctx.Context, modelAddAppID, "models/local-model-workflow", "POST", map[string]interface{}{
		"provider_type": "hugging_face",
		"name":          modelName,
		"uri":           huggingfaceID,
	}, 60)
	if err != nil {
		return models.ActionResult{Success: false, Outputs: map[string]interface{}{"success": false, "status": "failed"}, Error: err.Error()}
	}

	workflowID, _ := resp["workflow_id"].(string)
	if workflowID == "" {
		return models.ActionResult{
			Success: false,
			Outputs: map[string]interface{}{"success": false, "status": "failed"},
			Error:   "no workflow_id returned from model-registry",
		}
	}

	return models.ActionResult{
		Success:            true,
		Outputs:            map[string]interface{}{"success": true, "model_name": modelName, "workflow_id": workflowID, "status": "running"},
		AwaitingEvent:      true,
		ExternalWorkflowID: workflowID,
		TimeoutSeconds:     maxWait,
	}
}

func (modelAddExecutor) OnEvent(ctx models.EventContext) models.EventResult {
	eventType, _ := ctx.Payload["type"].(string)
	if eventType != "workflow_completed" {
		return models.Ignore()
	}

	status, _ := ctx.Payload["status"].(string)
	result, _ := ctx.Payload["result"].(map[string]interface{})

	if status == "COMPLETED" {
		modelID, _ := result["model_id"].(string)
		modelName, _ := result["model_name"].(string)
		return models.EventResult{
			Action: models.EventActionComplete,
			Status: models.StepCompleted,
			Outputs: map[string]interface{}{
				"success": true, "model_id": modelID, "model_name": modelName, "status": "completed",
				"message": fmt.Sprintf("model '%s' added successfully", modelName),
			},
		}
	}

	reason, _ := ctx.Payload["reason"].(string)
	if reason == "" {
		reason = "model workflow failed"
	}
	return models.EventResult{
		Action:  models.EventActionComplete,
		Status:  models.StepFailed,
		Outputs: map[string]interface{}{"success": false, "status": "failed", "message": reason},
		Error:   reason,
	}
}
