package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateApplyAndView(t *testing.T) {
	state := NewState("build a blog", "blog")
	view := state.View()

	assert.Equal(t, "build a blog", view.Request())
	assert.Equal(t, "blog", view.Project())
	assert.False(t, view.Has(KeyTech))

	state.Apply(Delta{
		KeyTech: map[string]interface{}{"stack": []string{"go", "sqlite"}},
	})
	state.Apply(Delta{KeyFinalScore: 82.0})

	assert.True(t, view.Has(KeyTech))
	assert.Equal(t, []string{KeyFinalScore, KeyTech}, view.Keys())

	// nil delta is a no-op
	state.Apply(nil)
	assert.Len(t, view.Keys(), 2)
}

func TestGetMap(t *testing.T) {
	state := NewState("req", "proj")
	state.Apply(Delta{
		KeyEvaluation: map[string]interface{}{"score": 70.0},
		KeyTests:      "not a map",
	})

	view := state.View()
	m := GetMap(view, KeyEvaluation)
	assert.Equal(t, 70.0, m["score"])

	assert.Nil(t, GetMap(view, KeyTests))
	assert.Nil(t, GetMap(view, KeyArch))
}

func TestGetFloat(t *testing.T) {
	state := NewState("req", "proj")
	state.Apply(Delta{
		"a": 65.5,
		"b": 65,
		"c": int64(12),
		"d": "nope",
	})
	view := state.View()

	for key, want := range map[string]float64{"a": 65.5, "b": 65, "c": 12} {
		got, ok := GetFloat(view, key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	_, ok := GetFloat(view, "d")
	assert.False(t, ok)
	_, ok = GetFloat(view, "missing")
	assert.False(t, ok)
}
