package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/plume"
)

func create(t *testing.T, s *Store, data map[string]any) map[string]any {
	t.Helper()
	result, err := s.Create(context.Background(), data, nil)
	require.NoError(t, err)
	entity, ok := result.(map[string]any)
	require.True(t, ok, "create result %T", result)
	return entity
}

func queryParams(terms map[string]any) plume.Params {
	p := plume.Params{}
	q := p.Query()
	for k, v := range terms {
		q[k] = v
	}
	return p
}

func TestCreateAssignsID(t *testing.T) {
	s := New()
	entity := create(t, s, map[string]any{"text": "milk"})

	id, _ := entity["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, "milk", entity["text"])
	assert.Equal(t, 1, s.Len())
}

func TestCreateHonorsClientID(t *testing.T) {
	s := New()
	entity := create(t, s, map[string]any{"id": "fixed", "text": "milk"})
	assert.Equal(t, "fixed", entity["id"])

	_, err := s.Create(context.Background(), map[string]any{"id": "fixed"}, nil)
	require.Error(t, err)
	assert.Equal(t, 409, plume.StatusOf(err))
}

func TestCreateBulk(t *testing.T) {
	s := New()
	result, err := s.Create(context.Background(), []any{
		map[string]any{"text": "a"},
		map[string]any{"text": "b"},
	}, nil)
	require.NoError(t, err)

	entities, ok := result.([]map[string]any)
	require.True(t, ok)
	require.Len(t, entities, 2)
	assert.NotEqual(t, entities[0]["id"], entities[1]["id"])
	assert.Equal(t, 2, s.Len())
}

func TestCreateRejectsNonObjects(t *testing.T) {
	s := New()
	_, err := s.Create(context.Background(), "just a string", nil)
	require.Error(t, err)
	assert.Equal(t, 400, plume.StatusOf(err))
}

func TestGet(t *testing.T) {
	s := New()
	created := create(t, s, map[string]any{"text": "milk"})

	got, err := s.Get(context.Background(), created["id"].(string), nil)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = s.Get(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, 404, plume.StatusOf(err))
}

func TestResultsAreCopies(t *testing.T) {
	s := New()
	created := create(t, s, map[string]any{"text": "milk"})
	created["text"] = "mutated"

	got, err := s.Get(context.Background(), created["id"].(string), nil)
	require.NoError(t, err)
	assert.Equal(t, "milk", got.(map[string]any)["text"])
}

func TestFindFiltersAndSorts(t *testing.T) {
	s := New()
	create(t, s, map[string]any{"text": "milk", "done": true})
	create(t, s, map[string]any{"text": "eggs", "done": false})
	create(t, s, map[string]any{"text": "bread", "done": false})

	result, err := s.Find(context.Background(), queryParams(map[string]any{"done": false, "$sort": "text"}))
	require.NoError(t, err)

	entities := result.([]map[string]any)
	require.Len(t, entities, 2)
	assert.Equal(t, "bread", entities[0]["text"])
	assert.Equal(t, "eggs", entities[1]["text"])
}

func TestFindDefaultOrderIsByID(t *testing.T) {
	s := New()
	first := create(t, s, map[string]any{"n": 1})
	second := create(t, s, map[string]any{"n": 2})

	result, err := s.Find(context.Background(), nil)
	require.NoError(t, err)
	entities := result.([]map[string]any)
	require.Len(t, entities, 2)
	// V7 ids are time-ordered, so insertion order survives the id sort.
	assert.Equal(t, first["id"], entities[0]["id"])
	assert.Equal(t, second["id"], entities[1]["id"])
}

func TestFindRejectsBadQuery(t *testing.T) {
	s := New()
	_, err := s.Find(context.Background(), queryParams(map[string]any{"$limit": "many"}))
	require.Error(t, err)
	assert.Equal(t, 400, plume.StatusOf(err))
}

func TestUpdateReplacesEntity(t *testing.T) {
	s := New()
	created := create(t, s, map[string]any{"text": "milk", "done": false})
	id := created["id"].(string)

	result, err := s.Update(context.Background(), id, map[string]any{"text": "oat milk"}, nil)
	require.NoError(t, err)

	entity := result.(map[string]any)
	assert.Equal(t, id, entity["id"])
	assert.Equal(t, "oat milk", entity["text"])
	// Replacement drops fields the new body does not carry.
	_, hasDone := entity["done"]
	assert.False(t, hasDone)
}

func TestUpdateRequiresID(t *testing.T) {
	s := New()
	_, err := s.Update(context.Background(), "", map[string]any{"text": "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, 400, plume.StatusOf(err))

	_, err = s.Update(context.Background(), "missing", map[string]any{"text": "x"}, nil)
	assert.Equal(t, 404, plume.StatusOf(err))
}

func TestPatchMergesFields(t *testing.T) {
	s := New()
	created := create(t, s, map[string]any{"text": "milk", "done": false})
	id := created["id"].(string)

	result, err := s.Patch(context.Background(), id, map[string]any{"done": true}, nil)
	require.NoError(t, err)

	entity := result.(map[string]any)
	assert.Equal(t, "milk", entity["text"])
	assert.Equal(t, true, entity["done"])
}

func TestPatchCannotChangeID(t *testing.T) {
	s := New()
	created := create(t, s, map[string]any{"text": "milk"})
	id := created["id"].(string)

	result, err := s.Patch(context.Background(), id, map[string]any{"id": "hijacked"}, nil)
	require.NoError(t, err)
	assert.Equal(t, id, result.(map[string]any)["id"])
}

func TestPatchBulkByQuery(t *testing.T) {
	s := New()
	create(t, s, map[string]any{"text": "a", "done": false})
	create(t, s, map[string]any{"text": "b", "done": false})
	create(t, s, map[string]any{"text": "c", "done": true})

	result, err := s.Patch(context.Background(), "", map[string]any{"done": true}, queryParams(map[string]any{"done": false}))
	require.NoError(t, err)

	entities := result.([]map[string]any)
	assert.Len(t, entities, 2)
	for _, e := range entities {
		assert.Equal(t, true, e["done"])
	}
}

func TestRemove(t *testing.T) {
	s := New()
	created := create(t, s, map[string]any{"text": "milk"})
	id := created["id"].(string)

	result, err := s.Remove(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, created, result)
	assert.Zero(t, s.Len())

	_, err = s.Remove(context.Background(), id, nil)
	assert.Equal(t, 404, plume.StatusOf(err))
}

func TestRemoveBulkByQuery(t *testing.T) {
	s := New()
	create(t, s, map[string]any{"text": "a", "done": true})
	create(t, s, map[string]any{"text": "b", "done": true})
	keep := create(t, s, map[string]any{"text": "c", "done": false})

	result, err := s.Remove(context.Background(), "", queryParams(map[string]any{"done": true}))
	require.NoError(t, err)

	assert.Len(t, result.([]map[string]any), 2)
	assert.Equal(t, 1, s.Len())

	got, err := s.Get(context.Background(), keep["id"].(string), nil)
	require.NoError(t, err)
	assert.Equal(t, "c", got.(map[string]any)["text"])
}

func TestStoreThroughWrapperEmitsPerEntity(t *testing.T) {
	app := plume.New()
	svc, err := app.Use("todo", New())
	require.NoError(t, err)

	received := make(chan plume.Event, 4)
	svc.On(plume.EventCreated, func(ev plume.Event) { received <- ev })

	_, err = svc.Create(context.Background(), []any{
		map[string]any{"text": "a"},
		map[string]any{"text": "b"},
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case ev := <-received:
			assert.Equal(t, "todo", ev.Service)
		case <-timeout(t):
			t.Fatal("missing created event")
		}
	}
}

func timeout(t *testing.T) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	timer := time.AfterFunc(2*time.Second, func() { close(done) })
	t.Cleanup(func() { timer.Stop() })
	return done
}
