package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertBuilder_Upsert(t *testing.T) {
	ib := NewInsertBuilder("fern_objects")
	ib.Cols("key", "data")
	ib.Values("a/b.json", []byte("{}"))
	ib.Upsert([]string{"key"}, "data", "updated_at")

	query, args := ib.Build()
	assert.Equal(t,
		"INSERT INTO fern_objects (key, data) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at",
		query)
	assert.Len(t, args, 2)
}

func TestDeleteBuilder(t *testing.T) {
	db := NewDeleteBuilder("fern_objects")
	db.Where(db.Equal("key", "a/b.json"))

	query, args := db.Build()
	assert.Equal(t, "DELETE FROM fern_objects WHERE key = $1", query)
	assert.Equal(t, []any{"a/b.json"}, args)
}
