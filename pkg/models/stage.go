package models

// StageName is the closed set of approval stages known to the engine.
// Role resolution for a stage is delegated to the directory collaborator;
// the engine itself never interprets role strings.
type StageName string

const (
	StageInternalReview     StageName = "internal_review"
	StageTechnicalReview    StageName = "technical_review"
	StageQualityReview      StageName = "quality_review"
	StageManagementApproval StageName = "management_approval"
	StageClientReview       StageName = "client_review"
)

// knownStageNames is the allowlist used by template validation.
var knownStageNames = map[StageName]bool{
	StageInternalReview:     true,
	StageTechnicalReview:    true,
	StageQualityReview:      true,
	StageManagementApproval: true,
	StageClientReview:       true,
}

// Valid reports whether the stage name belongs to the closed enum.
func (s StageName) Valid() bool {
	return knownStageNames[s]
}

// Document types commonly routed through approval templates. The set is
// open: templates may target other types, these are the defaults shipped
// with the platform.
const (
	DocumentTypeShopDrawing       = "shop_drawing"
	DocumentTypeMaterialSubmittal = "material_submittal"
	DocumentTypeMethodStatement   = "method_statement"
	DocumentTypeDesignDocument    = "design_document"
)
