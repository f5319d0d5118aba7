package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// FieldType is the semantic type a schema declares for a field
type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeDecimal  FieldType = "decimal"
	FieldTypeRatio    FieldType = "ratio"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeDate     FieldType = "date"
	FieldTypeDateTime FieldType = "datetime"
	FieldTypeCategory FieldType = "category"
)

// IsNumeric reports whether values of the type are parsed as numbers
func (t FieldType) IsNumeric() bool {
	return t == FieldTypeInteger || t == FieldTypeDecimal || t == FieldTypeRatio
}

// IsTemporal reports whether values of the type are parsed as times
func (t FieldType) IsTemporal() bool {
	return t == FieldTypeDate || t == FieldTypeDateTime
}

// ArrivalMetadata describes where and when a raw record was landed
type ArrivalMetadata struct {
	Source     string    `json:"source"`
	IngestedAt time.Time `json:"ingested_at"`
	BatchID    string    `json:"batch_id"`
}

// RawRecord is an untyped record as read from the landing store
type RawRecord struct {
	ID         string           `json:"id"`
	EntityType string           `json:"entity_type"`
	Data       map[string]Value `json:"data"`
	Arrival    ArrivalMetadata  `json:"arrival"`
}

// ValidatedRecord is a raw record that passed schema validation. Field values
// are one of string, int64, float64, bool, time.Time or nil. Fields named in
// PendingFormat still hold formatted text that cleaning must type.
type ValidatedRecord struct {
	RecordID         string          `json:"record_id"`
	EntityType       string          `json:"entity_type"`
	SchemaVersion    string          `json:"schema_version"`
	Fields           map[string]any  `json:"fields"`
	DataQualityScore float64         `json:"data_quality_score"`
	Warnings         []string        `json:"warnings,omitempty"`
	PendingFormat    []string        `json:"pending_format,omitempty"`
	Arrival          ArrivalMetadata `json:"arrival"`
}

// Clone returns a copy whose field map can be modified independently
func (r ValidatedRecord) Clone() ValidatedRecord {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	r.Warnings = append([]string(nil), r.Warnings...)
	r.PendingFormat = append([]string(nil), r.PendingFormat...)
	return r
}

// LineageEntry records one cleaning rule that changed a field
type LineageEntry struct {
	Rule   string `json:"rule"`
	Field  string `json:"field"`
	Detail string `json:"detail,omitempty"`
}

// CleanedRecord is a validated record after the cleaning rules ran
type CleanedRecord struct {
	ValidatedRecord
	Lineage []LineageEntry `json:"lineage,omitempty"`
}

// Resolution describes how a resolved record came to be
type Resolution string

const (
	ResolutionUnique Resolution = "unique"
	ResolutionExact  Resolution = "exact"
	ResolutionFuzzy  Resolution = "fuzzy"
)

// DedupMetadata is the provenance attached to every resolved record
type DedupMetadata struct {
	Resolution         Resolution        `json:"resolution"`
	MergedCount        int               `json:"merged_count"`
	SourceRecordIDs    []string          `json:"source_record_ids"`
	SourceTimestamps   []time.Time       `json:"source_timestamps"`
	DiscardedRecordIDs []string          `json:"discarded_record_ids,omitempty"`
	FieldSources       map[string]string `json:"field_sources,omitempty"`
	MergedAt           time.Time         `json:"merged_at"`
}

// ResolvedRecord is the terminal form committed to the output store
type ResolvedRecord struct {
	RecordID         string
	EntityType       string
	SchemaVersion    string
	Fields           map[string]any
	DataQualityScore float64
	DedupMetadata    DedupMetadata
}

// MarshalJSON flattens the fields next to the reserved underscore keys so
// consumers see one object per record.
func (r ResolvedRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["_record_id"] = r.RecordID
	out["_entity_type"] = r.EntityType
	out["_schema_version"] = r.SchemaVersion
	out["_data_quality_score"] = r.DataQualityScore
	out["_dedup_metadata"] = r.DedupMetadata
	return json.Marshal(out)
}

func (r *ResolvedRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Fields = make(map[string]any, len(raw))
	for k, v := range raw {
		var err error
		switch k {
		case "_record_id":
			err = json.Unmarshal(v, &r.RecordID)
		case "_entity_type":
			err = json.Unmarshal(v, &r.EntityType)
		case "_schema_version":
			err = json.Unmarshal(v, &r.SchemaVersion)
		case "_data_quality_score":
			err = json.Unmarshal(v, &r.DataQualityScore)
		case "_dedup_metadata":
			err = json.Unmarshal(v, &r.DedupMetadata)
		default:
			r.Fields[k], err = decodeField(v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// decodeField keeps integers as int64 so ids beyond 2^53 read back exactly
func decodeField(data json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var field any
	if err := dec.Decode(&field); err != nil {
		return nil, err
	}
	n, ok := field.(json.Number)
	if !ok {
		return field, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	return n.Float64()
}
