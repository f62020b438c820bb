package lorekeep

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// VectorKind identifies which channel a reference vector represents
type VectorKind string

const (
	KindVisual   VectorKind = "visual"
	KindSemantic VectorKind = "semantic"
	KindCombined VectorKind = "combined"
)

// ReferenceVector is a stored embedding representing an entity's identity.
// Ownership of the record lives in the vector index; this is the wire shape.
type ReferenceVector struct {
	ID             string     `json:"id"`
	Embedding      []float32  `json:"embedding"`
	Kind           VectorKind `json:"kind"`
	EntityID       string     `json:"entity_id"`
	WorldID        string     `json:"world_id"`
	BranchID       string     `json:"branch_id,omitempty"`
	SourceImageURL string     `json:"source_image_url,omitempty"`
	SourceText     string     `json:"source_text,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RefVectorID derives the deterministic record ID for an entity's reference
// vector. Regenerating the same (entity, kind, discriminator) produces the
// same ID, so upserts overwrite instead of accumulating duplicates.
func RefVectorID(entityID string, kind VectorKind, discriminator string) string {
	sum := sha256.Sum256([]byte(entityID + "|" + string(kind) + "|" + discriminator))
	return fmt.Sprintf("%s-%s-%s", entityID, kind, hex.EncodeToString(sum[:8]))
}

// JobStatus is the lifecycle state of a generation job
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further normal transitions
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// GenerationJob is a unit of work requesting an external tool produce an
// artifact from a prompt and entity references. Created externally in
// "queued"; only the queue processor mutates status/result/score fields.
type GenerationJob struct {
	ID                string     `json:"id"`
	WorldID           string     `json:"world_id"`
	BranchID          string     `json:"branch_id,omitempty"`
	EntityIDs         []string   `json:"entity_ids"`
	Prompt            string     `json:"prompt"`
	Tool              string     `json:"tool"`
	Status            JobStatus  `json:"status"`
	ResultArtifactRef string     `json:"result_artifact_ref,omitempty"`
	ConsistencyScore  *float64   `json:"consistency_score,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Severity classifies a consistency score
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DriftedAttribute names a channel whose similarity fell below the
// acceptance threshold for a specific entity.
type DriftedAttribute struct {
	EntityID   string  `json:"entity_id"`
	Channel    string  `json:"channel"` // "visual", "semantic" or "missing reference"
	Similarity float64 `json:"similarity"`
}

// ConsistencyResult is the outcome of comparing a generated artifact
// against the reference vectors of the entities it depicts. Score is nil
// when no entity had scorable reference data, which is distinct from any
// numeric score.
type ConsistencyResult struct {
	Score              *float64           `json:"score,omitempty"` // 0-100
	Severity           Severity           `json:"severity"`
	DriftedAttributes  []DriftedAttribute `json:"drifted_attributes"`
	VisualSimilarity   float64            `json:"visual_similarity"`   // 0-1
	SemanticSimilarity float64            `json:"semantic_similarity"` // 0-1
	Recommendations    []string           `json:"recommendations"`
}

// NoData reports whether the result carries no numeric score
func (r *ConsistencyResult) NoData() bool {
	return r.Score == nil
}

// Entity is the read-only view of an entity record consumed from the
// entity-management subsystem.
type Entity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"` // character, location, object, style, custom
	Description string   `json:"description"`
	ImageURLs   []string `json:"image_urls"`
	WorldID     string   `json:"world_id"`
	BranchID    string   `json:"branch_id,omitempty"`
}
