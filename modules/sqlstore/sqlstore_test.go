package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/plume"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open("sqlite", dsn, "todos")
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func create(t *testing.T, s *Store, data map[string]any) map[string]any {
	t.Helper()
	result, err := s.Create(context.Background(), data, nil)
	require.NoError(t, err)
	return result.(map[string]any)
}

func queryParams(terms map[string]any) plume.Params {
	p := plume.Params{}
	q := p.Query()
	for k, v := range terms {
		q[k] = v
	}
	return p
}

func TestNewRejectsBadTableNames(t *testing.T) {
	for _, table := range []string{"", "todos; DROP TABLE x", "1numbers", "sp ace"} {
		_, err := New(nil, table)
		assert.ErrorIs(t, err, ErrInvalidTable, "table %q", table)
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	created := create(t, s, map[string]any{"text": "milk", "done": false})
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	got, err := s.Get(context.Background(), id, nil)
	require.NoError(t, err)
	entity := got.(map[string]any)
	assert.Equal(t, "milk", entity["text"])
	assert.Equal(t, false, entity["done"])
	assert.Equal(t, id, entity["id"])
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "absent", nil)
	require.Error(t, err)
	assert.Equal(t, 404, plume.StatusOf(err))
}

func TestCreateBulkTransactional(t *testing.T) {
	s := newTestStore(t)

	// The duplicated id fails the second insert and rolls the batch back.
	_, err := s.Create(context.Background(), []any{
		map[string]any{"id": "same", "text": "a"},
		map[string]any{"id": "same", "text": "b"},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 409, plume.StatusOf(err))

	result, err := s.Find(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.([]map[string]any))
}

func TestCreateBulk(t *testing.T) {
	s := newTestStore(t)
	result, err := s.Create(context.Background(), []any{
		map[string]any{"text": "a"},
		map[string]any{"text": "b"},
	}, nil)
	require.NoError(t, err)
	assert.Len(t, result.([]map[string]any), 2)
}

func TestFindFiltersWithQuery(t *testing.T) {
	s := newTestStore(t)
	create(t, s, map[string]any{"text": "milk", "done": true})
	create(t, s, map[string]any{"text": "eggs", "done": false})
	create(t, s, map[string]any{"text": "bread", "done": false})

	result, err := s.Find(context.Background(), queryParams(map[string]any{
		"done":  false,
		"$sort": "text",
	}))
	require.NoError(t, err)

	entities := result.([]map[string]any)
	require.Len(t, entities, 2)
	assert.Equal(t, "bread", entities[0]["text"])
	assert.Equal(t, "eggs", entities[1]["text"])
}

func TestUpdateReplaces(t *testing.T) {
	s := newTestStore(t)
	created := create(t, s, map[string]any{"text": "milk", "done": false})
	id := created["id"].(string)

	result, err := s.Update(context.Background(), id, map[string]any{"text": "oat milk"}, nil)
	require.NoError(t, err)

	entity := result.(map[string]any)
	assert.Equal(t, "oat milk", entity["text"])
	_, hasDone := entity["done"]
	assert.False(t, hasDone)

	_, err = s.Update(context.Background(), "missing", map[string]any{"text": "x"}, nil)
	assert.Equal(t, 404, plume.StatusOf(err))

	_, err = s.Update(context.Background(), "", map[string]any{"text": "x"}, nil)
	assert.Equal(t, 400, plume.StatusOf(err))
}

func TestPatchMergesAndBulk(t *testing.T) {
	s := newTestStore(t)
	created := create(t, s, map[string]any{"text": "milk", "done": false})
	create(t, s, map[string]any{"text": "eggs", "done": false})

	result, err := s.Patch(context.Background(), created["id"].(string), map[string]any{"done": true}, nil)
	require.NoError(t, err)
	entity := result.(map[string]any)
	assert.Equal(t, "milk", entity["text"])
	assert.Equal(t, true, entity["done"])

	bulk, err := s.Patch(context.Background(), "", map[string]any{"flagged": true}, queryParams(map[string]any{"done": false}))
	require.NoError(t, err)
	patched := bulk.([]map[string]any)
	require.Len(t, patched, 1)
	assert.Equal(t, "eggs", patched[0]["text"])
	assert.Equal(t, true, patched[0]["flagged"])
}

func TestRemoveSingleAndBulk(t *testing.T) {
	s := newTestStore(t)
	created := create(t, s, map[string]any{"text": "milk"})
	create(t, s, map[string]any{"text": "eggs", "done": true})
	create(t, s, map[string]any{"text": "bread", "done": true})

	removed, err := s.Remove(context.Background(), created["id"].(string), nil)
	require.NoError(t, err)
	assert.Equal(t, "milk", removed.(map[string]any)["text"])

	bulk, err := s.Remove(context.Background(), "", queryParams(map[string]any{"done": true}))
	require.NoError(t, err)
	assert.Len(t, bulk.([]map[string]any), 2)

	rest, err := s.Find(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, rest.([]map[string]any))
}

func TestSetupCreatesTableThroughApplication(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "app.db")
	s, err := Open("sqlite", dsn, "todos")
	require.NoError(t, err)

	app := plume.New()
	svc, err := app.Use("todo", s)
	require.NoError(t, err)
	require.NoError(t, app.Setup())

	result, err := svc.Create(context.Background(), map[string]any{"text": "via app"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "via app", result.(map[string]any)["text"])

	require.NoError(t, app.Close(context.Background()))
}

func TestSharedHandleAcrossTables(t *testing.T) {
	s := newTestStore(t)

	other, err := New(s.DB(), "notes")
	require.NoError(t, err)
	require.NoError(t, other.Init(context.Background()))

	create(t, s, map[string]any{"text": "todo item"})
	_, err = other.Create(context.Background(), map[string]any{"text": "note item"}, nil)
	require.NoError(t, err)

	todos, err := s.Find(context.Background(), nil)
	require.NoError(t, err)
	notes, err := other.Find(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, todos.([]map[string]any), 1)
	assert.Len(t, notes.([]map[string]any), 1)

	// Closing the borrowing store must not close the shared handle.
	require.NoError(t, other.Close())
	_, err = s.Find(context.Background(), nil)
	assert.NoError(t, err)
}
