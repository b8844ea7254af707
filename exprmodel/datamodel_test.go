package exprmodel

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scxml "github.com/agentflare-ai/scxml-go"
)

func newModel(t *testing.T) scxml.DataModel {
	t.Helper()
	dm, err := Loader()(context.Background(), &scxml.DataModelEnv{
		SessionID:   "sess-1",
		SessionName: "TestChart",
		Actions:     scxml.NewActionRegistry(),
		Logger:      slog.Default(),
		In:          func(string) bool { return false },
	})
	require.NoError(t, err)
	require.NoError(t, dm.InitializeGlobal(context.Background()))
	return dm
}

func TestSystemVariables(t *testing.T) {
	dm := newModel(t)
	ctx := context.Background()

	v, err := dm.EvaluateValue(ctx, scxml.SessionIDSystemVariable)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", v.Str())

	v, err = dm.EvaluateValue(ctx, scxml.NameSystemVariable)
	require.NoError(t, err)
	assert.Equal(t, "TestChart", v.Str())
}

func TestDeclareData(t *testing.T) {
	dm := newModel(t)
	ctx := context.Background()

	require.NoError(t, dm.DeclareData(ctx, scxml.Data{ID: "count", Expr: "40 + 2"}))
	v, err := dm.EvaluateValue(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int())

	// Re-declaring keeps the current value (late-binding re-entry).
	require.NoError(t, dm.SetVariable(ctx, "count", scxml.NewInt(7)))
	require.NoError(t, dm.DeclareData(ctx, scxml.Data{ID: "count", Expr: "0"}))
	v, _ = dm.EvaluateValue(ctx, "count")
	assert.Equal(t, int64(7), v.Int())

	// Inline content: expression literals parse, anything else is a string.
	require.NoError(t, dm.DeclareData(ctx, scxml.Data{ID: "nums", Content: "[1, 2, 3]"}))
	v, _ = dm.EvaluateValue(ctx, "nums")
	assert.Equal(t, scxml.KindArray, v.Kind())

	require.NoError(t, dm.DeclareData(ctx, scxml.Data{ID: "text", Content: "just words"}))
	v, _ = dm.EvaluateValue(ctx, "text")
	assert.Equal(t, scxml.KindString, v.Kind())

	// A data element without expr or content is explicitly null.
	require.NoError(t, dm.DeclareData(ctx, scxml.Data{ID: "empty"}))
	v, _ = dm.EvaluateValue(ctx, "empty")
	assert.True(t, v.IsNull())
}

func TestDeclareDataBadExpression(t *testing.T) {
	dm := newModel(t)
	ctx := context.Background()

	err := dm.DeclareData(ctx, scxml.Data{ID: "broken", Expr: "undefined_var"})
	require.Error(t, err)
	var pe *scxml.PlatformError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "error.execution", pe.EventName)

	// The variable exists but is unbound.
	v, err := dm.EvaluateValue(ctx, "isDefined(broken)")
	require.NoError(t, err)
	assert.False(t, v.Bool())
}

func TestEvaluateCondition(t *testing.T) {
	dm := newModel(t)
	ctx := context.Background()
	require.NoError(t, dm.SetVariable(ctx, "n", scxml.NewInt(3)))

	ok, err := dm.EvaluateCondition(ctx, "n == 3")
	require.NoError(t, err)
	assert.True(t, ok)

	// Non-boolean results coerce by truthiness.
	ok, err = dm.EvaluateCondition(ctx, "n")
	require.NoError(t, err)
	assert.True(t, ok)

	// Errors report false and carry a platform error.
	ok, err = dm.EvaluateCondition(ctx, "nope == 1")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestLocationsAndAssign(t *testing.T) {
	dm := newModel(t)
	ctx := context.Background()
	require.NoError(t, dm.SetVariable(ctx, "cfg", scxml.NewMap(nil)))

	loc, err := dm.EvaluateLocation(ctx, "cfg")
	require.NoError(t, err)
	assert.Equal(t, "cfg", loc.Describe())

	// Assigning to a missing variable is an execution error.
	missing, err := dm.EvaluateLocation(ctx, "ghost")
	require.NoError(t, err, "the location parses; assignment fails")
	err = dm.Assign(ctx, missing, scxml.NewInt(1))
	require.Error(t, err)

	// Literals are not locations.
	_, err = dm.EvaluateLocation(ctx, "42")
	assert.Error(t, err)

	require.NoError(t, dm.Assign(ctx, loc, scxml.NewInt(9)))
	v, _ := dm.EvaluateValue(ctx, "cfg")
	assert.Equal(t, int64(9), v.Int())
}

func TestCurrentEvent(t *testing.T) {
	dm := newModel(t)
	ctx := context.Background()

	data := scxml.NewMapValue()
	data.Set("level", scxml.NewInt(4))
	require.NoError(t, dm.SetCurrentEvent(ctx, &scxml.Event{
		Name: "alert.raised",
		Type: scxml.EventTypeExternal,
		Data: scxml.NewMap(data),
	}))

	v, err := dm.EvaluateValue(ctx, "_event.name")
	require.NoError(t, err)
	assert.Equal(t, "alert.raised", v.Str())

	v, err = dm.EvaluateValue(ctx, "_event.data.level")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v.Int())

	require.NoError(t, dm.SetCurrentEvent(ctx, nil))
	v, _ = dm.EvaluateValue(ctx, scxml.EventSystemVariable)
	assert.True(t, v.IsNull())
}

func TestScopePushPop(t *testing.T) {
	dm := newModel(t)
	ctx := context.Background()
	require.NoError(t, dm.SetVariable(ctx, "x", scxml.NewInt(1)))

	dm.PushScope(ctx)
	require.NoError(t, dm.SetVariable(ctx, "x", scxml.NewInt(99)))
	v, _ := dm.EvaluateValue(ctx, "x")
	assert.Equal(t, int64(99), v.Int())
	dm.PopScope(ctx)

	v, _ = dm.EvaluateValue(ctx, "x")
	assert.Equal(t, int64(1), v.Int())
}

func TestExecuteScript(t *testing.T) {
	dm := newModel(t)
	ctx := context.Background()
	require.NoError(t, dm.ExecuteScript(ctx, "a ?= 1; b ?= a + 1"))
	v, err := dm.EvaluateValue(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Int())
}
