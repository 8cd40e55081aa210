package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/planforge/store"
)

func TestDefinitionsComplete(t *testing.T) {
	defs := List()
	require.Len(t, defs, 8)

	byPhase := map[int]int{}
	for _, def := range defs {
		byPhase[def.Phase]++
		assert.NotEmpty(t, def.Default, "default text for %s", def.Key)
		assert.Contains(t, []string{TypeSystem, TypeUser}, def.Type)
	}
	for phase := 2; phase <= 5; phase++ {
		assert.Equal(t, 2, byPhase[phase], "phase %d should have system and user prompts", phase)
	}
}

func TestUserPromptsCarrySlots(t *testing.T) {
	slots := map[string][]string{
		KeyAnalyzerUser:  {"{document_text}", "{feedback}"},
		KeyMapperUser:    {"{proposal}", "{sheet_summary}", "{feedback}"},
		KeyDesignerUser:  {"{proposal}", "{mapping}", "{catalog}", "{feedback}"},
		KeyExtractorUser: {"{design}", "{document_text}", "{feedback}"},
	}
	for key, expected := range slots {
		def, err := Get(key)
		require.NoError(t, err)
		for _, slot := range expected {
			assert.True(t, strings.Contains(def.Default, slot), "%s missing slot %s", key, slot)
		}
	}
}

func TestResolveChain(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	registry := NewRegistry(s, nil)

	def, err := Get(KeyAnalyzerSystem)
	require.NoError(t, err)

	// No overrides: built-in default.
	text, err := registry.Resolve(ctx, KeyAnalyzerSystem, "p1")
	require.NoError(t, err)
	assert.Equal(t, def.Default, text)

	// Global override.
	_, err = registry.Save(ctx, KeyAnalyzerSystem, "", "tightened", "global text")
	require.NoError(t, err)
	text, err = registry.Resolve(ctx, KeyAnalyzerSystem, "p1")
	require.NoError(t, err)
	assert.Equal(t, "global text", text)

	// Project override wins over global.
	_, err = registry.Save(ctx, KeyAnalyzerSystem, "p1", "", "project text")
	require.NoError(t, err)
	text, err = registry.Resolve(ctx, KeyAnalyzerSystem, "p1")
	require.NoError(t, err)
	assert.Equal(t, "project text", text)

	// Reset of the project scope falls back to global.
	require.NoError(t, registry.Reset(ctx, KeyAnalyzerSystem, "p1"))
	text, err = registry.Resolve(ctx, KeyAnalyzerSystem, "p1")
	require.NoError(t, err)
	assert.Equal(t, "global text", text)

	_, err = registry.Resolve(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestActivateOldVersion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	registry := NewRegistry(s, nil)

	v1, err := registry.Save(ctx, KeyExtractorSystem, "", "v1", "first")
	require.NoError(t, err)
	_, err = registry.Save(ctx, KeyExtractorSystem, "", "v2", "second")
	require.NoError(t, err)

	require.NoError(t, registry.Activate(ctx, v1.ID))
	text, err := registry.Resolve(ctx, KeyExtractorSystem, "")
	require.NoError(t, err)
	assert.Equal(t, "first", text)

	history, err := registry.History(ctx, KeyExtractorSystem, "")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSaveRejectsEmptyText(t *testing.T) {
	registry := NewRegistry(store.NewMemoryStore(), nil)
	_, err := registry.Save(context.Background(), KeyAnalyzerSystem, "", "", "")
	assert.Error(t, err)
}
