package generation

import (
	"quel-generation-server/modules/common/model"
)

// GenerateRequest - POST /api/generations 요청
type GenerateRequest struct {
	BatchID      string   `json:"batchId" validate:"omitempty,batchid"`
	Kind         string   `json:"kind" validate:"required,oneof=paid grid reel_cover photoshoot_grid"`
	TargetUnits  int      `json:"targetUnits" validate:"gte=0"`
	Prompt       string   `json:"prompt" validate:"required,max=3500"`
	InputImages  []string `json:"inputImages" validate:"max=8,dive,required,url"`
	AspectRatio  string   `json:"aspectRatio"`
	Resolution   string   `json:"resolution"`
	OutputFormat string   `json:"outputFormat"`
	Model        string   `json:"model"`
}

// GenerateResponse - 생성 결과 (200 / 202)
type GenerateResponse struct {
	Success          bool               `json:"success"`
	BatchID          string             `json:"batchId"`
	Status           string             `json:"status"`
	TotalUnits       int                `json:"totalUnits"`
	ProducedUnits    int                `json:"producedUnits"`
	TotalPhotos      int                `json:"totalPhotos"`
	NewUnits         int                `json:"newUnits"`
	PendingUnits     int                `json:"pendingUnits"`
	Remaining        int                `json:"remaining"`
	Outputs          []model.UnitOutput `json:"outputs"`
	Partial          bool               `json:"partial"`
	AlreadyGenerated bool               `json:"alreadyGenerated"`
	InProgress       bool               `json:"inProgress"`
	Message          string             `json:"message,omitempty"`
}

// InsufficientFundsResponse - 402
type InsufficientFundsResponse struct {
	Error          string `json:"error"`
	CurrentBalance int64  `json:"currentBalance"`
	Required       int64  `json:"required"`
}

// ResumeResponse - POST /api/generations/{batchId}/resume
type ResumeResponse struct {
	Success       bool   `json:"success"`
	BatchID       string `json:"batchId"`
	QueuePosition int64  `json:"queuePosition"`
	Message       string `json:"message"`
}

// toBatchRequest - 기본값 채우기
func (r GenerateRequest) toBatchRequest() BatchRequest {
	spec := model.BatchSpec{
		Prompt:       r.Prompt,
		InputImages:  r.InputImages,
		AspectRatio:  r.AspectRatio,
		Resolution:   r.Resolution,
		OutputFormat: r.OutputFormat,
		Model:        r.Model,
	}
	if spec.AspectRatio == "" {
		spec.AspectRatio = "1:1"
	}
	if spec.OutputFormat == "" {
		spec.OutputFormat = "png"
	}
	if spec.Resolution == "" {
		spec.Resolution = "1K"
	}

	return BatchRequest{
		BatchID:     r.BatchID,
		Kind:        r.Kind,
		TargetUnits: r.TargetUnits,
		Spec:        spec,
	}
}

func toResponse(result Result) GenerateResponse {
	outputs := result.Outputs
	if outputs == nil {
		outputs = []model.UnitOutput{}
	}
	return GenerateResponse{
		Success:          !result.InProgress,
		BatchID:          result.BatchID,
		Status:           result.Status,
		TotalUnits:       result.TotalUnits,
		ProducedUnits:    result.ProducedUnits,
		TotalPhotos:      result.ProducedUnits,
		NewUnits:         result.NewUnits,
		PendingUnits:     result.PendingUnits,
		Remaining:        result.Remaining,
		Outputs:          outputs,
		Partial:          result.Partial,
		AlreadyGenerated: result.AlreadyGenerated,
		InProgress:       result.InProgress,
		Message:          result.Message,
	}
}
