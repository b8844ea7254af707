package scxml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueNumericPromotion(t *testing.T) {
	sum := NewInt(2).Add(NewInt(3))
	assert.Equal(t, KindInteger, sum.Kind())
	assert.Equal(t, int64(5), sum.Int())

	mixed := NewInt(2).Add(NewDouble(0.5))
	assert.Equal(t, KindDouble, mixed.Kind())
	assert.Equal(t, 2.5, mixed.Float())

	// Division always yields a Double, even for exact integer quotients.
	q := NewInt(6).Div(NewInt(3))
	assert.Equal(t, KindDouble, q.Kind())
	assert.Equal(t, 2.0, q.Float())
}

func TestValueDivisionByZero(t *testing.T) {
	assert.True(t, NewInt(1).Div(NewInt(0)).IsError())
	assert.True(t, NewInt(1).Mod(NewInt(0)).IsError())
}

func TestValueEquality(t *testing.T) {
	assert.True(t, NewInt(3).Equal(NewDouble(3.0)))
	assert.False(t, NewInt(3).Equal(NewString("3")))
	assert.True(t, Null.Equal(Null))
	assert.False(t, Null.Equal(None))
	assert.True(t, NewArray(NewInt(1), NewString("x")).Equal(NewArray(NewInt(1), NewString("x"))))

	m1 := NewMapValue()
	m1.Set("a", NewInt(1))
	m2 := NewMapValue()
	m2.Set("a", NewInt(1))
	assert.True(t, NewMap(m1).Equal(NewMap(m2)))
	m2.Set("b", Null)
	assert.False(t, NewMap(m1).Equal(NewMap(m2)))
}

func TestValueOrdering(t *testing.T) {
	cmp, err := NewInt(1).Compare(NewDouble(1.5))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = NewString("b").Compare(NewString("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	_, err = NewString("a").Compare(NewInt(1))
	assert.Error(t, err)
	_, err = NewBool(true).Compare(NewBool(false))
	assert.Error(t, err)
}

func TestValueAddContainers(t *testing.T) {
	arr := NewArray(NewInt(1)).Add(NewArray(NewInt(2), NewInt(3)))
	require.Equal(t, KindArray, arr.Kind())
	assert.Len(t, arr.Array().Items, 3)

	left := NewMapValue()
	left.Set("a", NewInt(1))
	left.Set("b", NewInt(2))
	right := NewMapValue()
	right.Set("b", NewInt(20))
	right.Set("c", NewInt(30))
	merged := NewMap(left).Add(NewMap(right))
	require.Equal(t, KindMap, merged.Kind())
	b, _ := merged.Map().Get("b")
	assert.Equal(t, int64(20), b.Int(), "right operand wins on key collision")
	assert.Equal(t, []string{"a", "b", "c"}, merged.Map().Keys())

	assert.Equal(t, "ab", NewString("a").Add(NewString("b")).Str())
	assert.True(t, NewString("a").Add(NewInt(1)).IsError())
}

func TestValueTruthiness(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{NewBool(true), true},
		{NewBool(false), false},
		{NewInt(0), false},
		{NewInt(-1), true},
		{NewDouble(0), false},
		{NewString(""), false},
		{NewString("x"), true},
		{NewArray(), false},
		{NewArray(Null), true},
		{NewMap(nil), false},
		{Null, false},
		{None, false},
		{NewError("boom"), false},
	}
	for _, tc := range cases {
		if got := tc.v.Truthy(); got != tc.want {
			t.Errorf("Truthy(%s) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestValueLengthCountsScalarCharacters(t *testing.T) {
	n, err := NewString("héllo").Length()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = NewArray(Null, Null).Length()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = NewInt(3).Length()
	assert.Error(t, err)
}

func TestMapValueInsertionOrder(t *testing.T) {
	m := NewMapValue()
	m.Set("z", NewInt(1))
	m.Set("a", NewInt(2))
	m.Set("z", NewInt(3)) // overwrite keeps the original position
	assert.Equal(t, []string{"z", "a"}, m.Keys())
	m.Delete("z")
	assert.Equal(t, []string{"a"}, m.Keys())
}
