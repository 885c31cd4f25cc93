package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad_EmptyDir(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Load())

	assert.Empty(t, c.Profiles())
	assert.Empty(t, c.AllAPIKeys())
	assert.Equal(t, DefaultSettings(), c.Settings())
	_, ok := c.BotProfile("anything")
	assert.False(t, ok)
}

func TestLoad_JSONAndYAMLProfiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "profiles", "andy.json"), `{
		"name": "Andy",
		"model": "gpt-4o",
		"embedding": {"api": "openai", "model": "text-embedding-3-small"},
		"conversing": "You are a friendly bot."
	}`)
	writeFile(t, filepath.Join(dir, "profiles", "miner.yaml"), `
id: miner_1
name: Miner
model:
  api: anthropic
  model: claude-3-5-sonnet
code_model: gpt-4o-mini
`)
	writeFile(t, filepath.Join(dir, "profiles", "README.md"), "not a profile")
	writeFile(t, filepath.Join(dir, "profiles", "broken.json"), "{nope")

	c := New(dir)
	require.NoError(t, c.Load())

	profiles := c.Profiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, "andy", profiles[0].ID)
	assert.Equal(t, "miner_1", profiles[1].ID)

	andy, ok := c.BotProfile("andy")
	require.True(t, ok)
	assert.Equal(t, "Andy", andy.Name)
	assert.Equal(t, ModelRef{Model: "gpt-4o"}, andy.Model)
	require.NotNil(t, andy.Embedding)
	assert.Equal(t, "openai", andy.Embedding.API)
	assert.Equal(t, "You are a friendly bot.", andy.Raw["conversing"])
	assert.Len(t, andy.Models(), 2)

	miner, ok := c.BotProfile("miner_1")
	require.True(t, ok)
	assert.Equal(t, "anthropic", miner.Model.API)
	require.NotNil(t, miner.CodeModel)
	assert.Equal(t, "gpt-4o-mini", miner.CodeModel.Model)
	assert.Equal(t, "Miner", miner.Raw["name"])
}

func TestLoad_KeysEndpointsSettingsTasks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keys.json"), `{"OpenAI": "sk-1", "anthropic": "", "groq": "gk"}`)
	writeFile(t, filepath.Join(dir, "endpoints.json"), `[
		{"id": "local", "name": "LM Studio", "provider": "openai", "baseUrl": "http://localhost:1234/v1", "requiresKey": false},
		{"name": "no id"}
	]`)
	writeFile(t, filepath.Join(dir, "settings.json"), `{"host": "mc.example.net", "port": 25570}`)
	writeFile(t, filepath.Join(dir, "tasks", "build_house.json"), `{}`)
	writeFile(t, filepath.Join(dir, "tasks", "notes.txt"), `x`)

	c := New(dir)
	require.NoError(t, c.Load())

	key, ok := c.APIKey("openai")
	require.True(t, ok)
	assert.Equal(t, "sk-1", key)
	_, ok = c.APIKey("anthropic")
	assert.False(t, ok, "blank keys count as missing")
	assert.Equal(t, map[string]string{"openai": "sk-1", "groq": "gk"}, c.AllAPIKeys())

	ep, ok := c.Endpoint("local")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:1234/v1", ep.BaseURL)

	s := c.Settings()
	assert.Equal(t, "mc.example.net", s.Host)
	assert.Equal(t, 25570, s.Port)
	assert.Equal(t, "offline", s.Auth, "missing fields keep defaults")

	path, ok := c.TaskPath("build_house")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "tasks", "build_house.json"), path)
	_, ok = c.TaskPath("notes")
	assert.False(t, ok)
}

func TestLoad_BadSettingsFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "settings.json"), `{"port": "not a number"`)
	c := New(dir)
	require.NoError(t, c.Load())
	assert.Equal(t, DefaultSettings(), c.Settings())
}

func TestBotProfile_ReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "profiles", "a.json"), `{"name": "A", "model": "m"}`)
	c := New(dir)
	require.NoError(t, c.Load())

	p, _ := c.BotProfile("a")
	p.Name = "changed"
	again, _ := c.BotProfile("a")
	assert.Equal(t, "A", again.Name)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	var reloads atomic.Int32
	c := New(dir, OnReload(func() { reloads.Add(1) }))
	require.NoError(t, c.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	writeFile(t, filepath.Join(dir, "profiles", "late.json"), `{"name": "Late", "model": "m"}`)

	require.Eventually(t, func() bool {
		_, ok := c.BotProfile("late")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(2))
}
