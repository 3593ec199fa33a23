package db

import (
	"encoding/json"
	"time"
)

// Source maps kb.sources.
type Source struct {
	SourceID    int64      `gorm:"column:source_id;primaryKey;autoIncrement"`
	SourceUUID  string     `gorm:"column:source_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Title       string     `gorm:"column:title;type:text;not null"`
	Kind        string     `gorm:"column:kind;type:text;not null;default:article"`
	Author      *string    `gorm:"column:author;type:text"`
	ExternalURL *string    `gorm:"column:external_url;type:text"`
	Status      string     `gorm:"column:status;type:text;not null;default:processed"`
	DeletedAt   *time.Time `gorm:"column:deleted_at;type:timestamptz"`
	CreatedAt   time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Source) TableName() string { return "kb.sources" }

// IngestRun maps kb.ingest_runs.
type IngestRun struct {
	RunID            int64      `gorm:"column:run_id;primaryKey;autoIncrement"`
	RunUUID          string     `gorm:"column:run_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SourceID         *int64     `gorm:"column:source_id;type:bigint"`
	StartedAt        time.Time  `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	FinishedAt       *time.Time `gorm:"column:finished_at;type:timestamptz"`
	Status           string     `gorm:"column:status;type:text;not null;default:running"`
	InsightsReceived int        `gorm:"column:insights_received;type:integer;not null;default:0"`
	InsightsInserted int        `gorm:"column:insights_inserted;type:integer;not null;default:0"`
	ErrorMessage     *string    `gorm:"column:error_message;type:text"`
	CreatedAt        time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (IngestRun) TableName() string { return "kb.ingest_runs" }

// Insight maps kb.insights. One atomic extracted statement.
type Insight struct {
	InsightID       int64      `gorm:"column:insight_id;primaryKey;autoIncrement"`
	InsightUUID     string     `gorm:"column:insight_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	SourceID        *int64     `gorm:"column:source_id;type:bigint"`
	RunID           *int64     `gorm:"column:run_id;type:bigint"`
	Statement       string     `gorm:"column:statement;type:text;not null"`
	ContextNote     *string    `gorm:"column:context_note;type:text"`
	EvidenceType    *string    `gorm:"column:evidence_type;type:text"`
	Confidence      *string    `gorm:"column:confidence;type:text"`
	Importance      *int16     `gorm:"column:importance;type:smallint"`
	Actionability   *string    `gorm:"column:actionability;type:text"`
	Audience        *string    `gorm:"column:audience;type:text"`
	Locator         *string    `gorm:"column:locator;type:text"`
	ContentHash     []byte     `gorm:"column:content_hash;type:bytea;not null"`
	Embedding       *string    `gorm:"column:embedding;type:vector(1536)"`
	UniqueInsightID *int64     `gorm:"column:unique_insight_id;type:bigint"`
	DeletedAt       *time.Time `gorm:"column:deleted_at;type:timestamptz"`
	CreatedAt       time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Insight) TableName() string { return "kb.insights" }

// UniqueInsight maps kb.unique_insights. The canonical representative of
// one or more merged raw insights.
type UniqueInsight struct {
	UniqueInsightID    int64     `gorm:"column:unique_insight_id;primaryKey;autoIncrement"`
	UniqueInsightUUID  string    `gorm:"column:unique_insight_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	CanonicalStatement string    `gorm:"column:canonical_statement;type:text;not null"`
	CanonicalInsightID int64     `gorm:"column:canonical_insight_id;type:bigint;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt          time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (UniqueInsight) TableName() string { return "kb.unique_insights" }

// MergeCluster maps kb.merge_clusters.
type MergeCluster struct {
	ClusterID                int64      `gorm:"column:cluster_id;primaryKey;autoIncrement"`
	ClusterUUID              string     `gorm:"column:cluster_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Status                   string     `gorm:"column:status;type:text;not null;default:pending"`
	CreatedBy                string     `gorm:"column:created_by;type:text;not null;default:system"`
	SuggestedUniqueInsightID *int64     `gorm:"column:suggested_unique_insight_id;type:bigint"`
	ReviewedAt               *time.Time `gorm:"column:reviewed_at;type:timestamptz"`
	CreatedAt                time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt                time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (MergeCluster) TableName() string { return "kb.merge_clusters" }

// MergeClusterMember maps kb.merge_cluster_members. The unique constraint on
// insight_id keeps each insight in at most one live cluster; rows are removed
// when their cluster is rejected.
type MergeClusterMember struct {
	ClusterID  int64     `gorm:"column:cluster_id;type:bigint;primaryKey"`
	InsightID  int64     `gorm:"column:insight_id;type:bigint;primaryKey;unique"`
	MemberUUID string    `gorm:"column:member_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Similarity float64   `gorm:"column:similarity;type:double precision;not null"`
	IsSelected bool      `gorm:"column:is_selected;type:boolean;not null;default:true"`
	AddedAt    time.Time `gorm:"column:added_at;type:timestamptz;not null;default:now()"`
}

func (MergeClusterMember) TableName() string { return "kb.merge_cluster_members" }

// Concept maps kb.concepts.
type Concept struct {
	ConceptID   int64     `gorm:"column:concept_id;primaryKey;autoIncrement"`
	ConceptUUID string    `gorm:"column:concept_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Name        string    `gorm:"column:name;type:text;not null"`
	Slug        string    `gorm:"column:slug;type:text;not null;unique"`
	Description *string   `gorm:"column:description;type:text"`
	Embedding   *string   `gorm:"column:embedding;type:vector(1536)"`
	AutoCreated bool      `gorm:"column:auto_created;type:boolean;not null;default:false"`
	NeedsReview bool      `gorm:"column:needs_review;type:boolean;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt   time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Concept) TableName() string { return "kb.concepts" }

// InsightConcept maps kb.insight_concepts.
type InsightConcept struct {
	InsightID int64     `gorm:"column:insight_id;type:bigint;primaryKey"`
	ConceptID int64     `gorm:"column:concept_id;type:bigint;primaryKey"`
	LinkUUID  string    `gorm:"column:link_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (InsightConcept) TableName() string { return "kb.insight_concepts" }

// JobRun maps kb.job_runs. Durable status for background jobs triggered over
// HTTP; clients poll these instead of holding a connection open.
type JobRun struct {
	JobRunID     int64           `gorm:"column:job_run_id;primaryKey;autoIncrement"`
	JobRunUUID   string          `gorm:"column:job_run_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Kind         string          `gorm:"column:kind;type:text;not null"`
	Status       string          `gorm:"column:status;type:text;not null;default:running"`
	Detail       json.RawMessage `gorm:"column:detail;type:jsonb"`
	ErrorMessage *string         `gorm:"column:error_message;type:text"`
	StartedAt    time.Time       `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	FinishedAt   *time.Time      `gorm:"column:finished_at;type:timestamptz"`
}

func (JobRun) TableName() string { return "kb.job_runs" }

// Article maps kb.articles. Generated long-form output for a concept.
type Article struct {
	ArticleID    int64     `gorm:"column:article_id;primaryKey;autoIncrement"`
	ArticleUUID  string    `gorm:"column:article_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	ConceptID    int64     `gorm:"column:concept_id;type:bigint;not null"`
	Kind         string    `gorm:"column:kind;type:text;not null;default:article"`
	Audience     *string   `gorm:"column:audience;type:text"`
	Status       string    `gorm:"column:status;type:text;not null;default:running"`
	Model        *string   `gorm:"column:model;type:text"`
	Title        string    `gorm:"column:title;type:text;not null;default:''"`
	Body         string    `gorm:"column:body;type:text;not null;default:''"`
	Tier1Count   int       `gorm:"column:tier1_count;type:integer;not null;default:0"`
	Tier2Count   int       `gorm:"column:tier2_count;type:integer;not null;default:0"`
	Tier3Count   int       `gorm:"column:tier3_count;type:integer;not null;default:0"`
	ErrorMessage *string   `gorm:"column:error_message;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt    time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Article) TableName() string { return "kb.articles" }

func autoMigrateModels() []any {
	return []any{
		&Source{},
		&IngestRun{},
		&Insight{},
		&UniqueInsight{},
		&MergeCluster{},
		&MergeClusterMember{},
		&Concept{},
		&InsightConcept{},
		&JobRun{},
		&Article{},
	}
}
