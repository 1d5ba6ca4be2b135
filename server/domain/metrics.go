package domain

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// MetricsBatch is one opaque result record delivered by an engine.
type MetricsBatch struct {
	Record *structpb.Struct
}

func NewMetricsBatch(fields map[string]any) (MetricsBatch, error) {
	record, err := structpb.NewStruct(fields)
	if err != nil {
		return MetricsBatch{}, fmt.Errorf("error building metrics record: %w", err)
	}
	return MetricsBatch{Record: record}, nil
}

func (m MetricsBatch) IsEmpty() bool {
	return m.Record == nil || len(m.Record.GetFields()) == 0
}

// JSON renders the record with proto field names and no whitespace.
func (m MetricsBatch) JSON() ([]byte, error) {
	if m.Record == nil {
		return []byte("{}"), nil
	}
	b, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(m.Record)
	if err != nil {
		return nil, fmt.Errorf("error marshaling metrics: %w", err)
	}
	return b, nil
}
