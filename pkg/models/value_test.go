package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeObject_KeepsIntegerText(t *testing.T) {
	data := []byte(`{"a":9007199254740992,"b":9007199254740993,"max":9223372036854775807,"f":2.5}`)
	fields, err := DecodeObject(data)
	require.NoError(t, err)

	a, ok := fields["a"].AsInt()
	require.True(t, ok)
	b, ok := fields["b"].AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740992), a)
	assert.Equal(t, int64(9007199254740993), b)
	assert.False(t, fields["a"].Equal(fields["b"]), "neighbors beyond 2^53 stay distinct")

	maxInt, ok := fields["max"].AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), maxInt)
	assert.Equal(t, "9223372036854775807", fields["max"].Text())

	_, ok = fields["f"].AsInt()
	assert.False(t, ok)

	out, err := json.Marshal(Map(fields))
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(out))
	assert.Contains(t, string(out), `"b":9007199254740993`)
}

func TestValue_AsInt(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  int64
		ok    bool
	}{
		{name: "int", value: Int(-7), want: -7, ok: true},
		{name: "integral float", value: Number(3), want: 3, ok: true},
		{name: "fraction", value: Number(3.5)},
		{name: "float at 2^63", value: Number(float64(math.MaxInt64))},
		{name: "string", value: String("3")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.value.AsInt()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestResolvedRecord_RoundTripsLargeIntegers(t *testing.T) {
	rec := ResolvedRecord{
		RecordID:   "landing/a.json",
		EntityType: "player_game",
		Fields: map[string]any{
			"entity_id": int64(9007199254740993),
			"fg_pct":    0.5,
			"team":      "Boston Celtics",
		},
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got ResolvedRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(9007199254740993), got.Fields["entity_id"])
	assert.Equal(t, 0.5, got.Fields["fg_pct"])
	assert.Equal(t, "Boston Celtics", got.Fields["team"])
	assert.Equal(t, "landing/a.json", got.RecordID)
}

func TestValidatedRecord_CloneCopiesPendingFormat(t *testing.T) {
	rec := ValidatedRecord{Fields: map[string]any{"salary": "$1,042"}, PendingFormat: []string{"salary"}}
	cp := rec.Clone()
	cp.PendingFormat[0] = "other"
	cp.Fields["salary"] = 1042.0

	assert.Equal(t, []string{"salary"}, rec.PendingFormat)
	assert.Equal(t, "$1,042", rec.Fields["salary"])
}
