//go:build unix

package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindcraft-hub/internal/botlog"
	"mindcraft-hub/internal/catalog"
	"mindcraft-hub/internal/proctree"
)

const waitFor = 5 * time.Second

type harness struct {
	sup  *Supervisor
	cat  *fakeCatalog
	sink *fakeSink
	rec  *recorder
}

// newHarness runs script with /bin/sh for every bot start.
func newHarness(t *testing.T, script string, opts ...Option) *harness {
	t.Helper()
	h := &harness{cat: newFakeCatalog(), sink: newFakeSink(), rec: &recorder{}}
	h.cat.addBot("bot_1", "MyBot", "ollama/llama3")

	cfg := Config{
		Command:     "/bin/sh",
		Args:        []string{"-c", script, "bot"},
		WorkDir:     t.TempDir(),
		StopTimeout: 2 * time.Second,
		KillTimeout: 2 * time.Second,
		RuntimeDir:  t.TempDir(),
	}
	opts = append([]Option{WithEnviron([]string{"PATH=/usr/bin:/bin"})}, opts...)
	sup, err := New(cfg, h.cat, h.sink, opts...)
	require.NoError(t, err)
	sup.Subscribe(h.rec.handle)
	h.sup = sup

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sup.StopAll(ctx)
	})
	return h
}

func (h *harness) waitStatus(t *testing.T, botID string, want Status) BotStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.sup.Status(botID).Status == want
	}, waitFor, 10*time.Millisecond, "waiting for %s", want)
	return h.sup.Status(botID)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, newFakeCatalog(), newFakeSink())
	require.Error(t, err)

	_, err = New(Config{Command: "node", ReadyPattern: "("}, newFakeCatalog(), newFakeSink())
	require.Error(t, err)
}

func TestStatus_UnknownBotIsOffline(t *testing.T) {
	h := newHarness(t, "true")
	assert.Equal(t, BotStatus{Status: StatusOffline}, h.sup.Status("nobody"))
	assert.False(t, h.sup.IsRunning("nobody"))
	assert.Equal(t, 0, h.sup.RunningCount())
}

func TestStop_OfflineBotFails(t *testing.T) {
	h := newHarness(t, "true")
	res := h.sup.Stop("bot_1")
	assert.False(t, res.Success)
	assert.True(t, res.Conflict)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, StatusOffline, h.sup.Status("bot_1").Status)
}

func TestStart_ReadyLineGoesOnline(t *testing.T) {
	h := newHarness(t, `echo "MyBot spawned"; sleep 30`)

	res := h.sup.Start("bot_1", "")
	require.True(t, res.Success, res.Error)

	st := h.waitStatus(t, "bot_1", StatusOnline)
	assert.Greater(t, st.PID, 0)
	require.NotNil(t, st.StartTime)
	assert.True(t, h.sup.IsRunning("bot_1"))
	assert.Equal(t, 1, h.sup.RunningCount())

	sess, ok := h.sink.lastSession("bot_1")
	require.True(t, ok)
	assert.Equal(t, "MyBot", sess.name)
	require.Len(t, sess.entries, 1)
	assert.Equal(t, "MyBot spawned", sess.entries[0].Message)
	assert.Equal(t, botlog.LevelInfo, sess.entries[0].Level)
}

func TestStart_WhileOnlineRejectedWithoutSecondSpawn(t *testing.T) {
	h := newHarness(t, `echo spawned; sleep 30`)
	require.True(t, h.sup.Start("bot_1", "").Success)
	h.waitStatus(t, "bot_1", StatusOnline)

	res := h.sup.Start("bot_1", "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "online")
	assert.True(t, res.Conflict)
	assert.Equal(t, 1, h.sink.sessionCount("bot_1"))
}

func TestStop_EndsSessionAndGoesOffline(t *testing.T) {
	h := newHarness(t, `echo spawned; sleep 30`)
	require.True(t, h.sup.Start("bot_1", "").Success)
	h.waitStatus(t, "bot_1", StatusOnline)

	res := h.sup.Stop("bot_1")
	require.True(t, res.Success, res.Error)

	assert.Equal(t, StatusOffline, h.sup.Status("bot_1").Status)
	sess, ok := h.sink.lastSession("bot_1")
	require.True(t, ok)
	assert.True(t, sess.ended)
	assert.Equal(t,
		[]Status{StatusStarting, StatusOnline, StatusStopping, StatusOffline},
		h.rec.statuses("bot_1"))
}

func TestStop_WhileStarting(t *testing.T) {
	h := newHarness(t, `sleep 30`)
	require.True(t, h.sup.Start("bot_1", "").Success)
	assert.Equal(t, StatusStarting, h.sup.Status("bot_1").Status)

	res := h.sup.Stop("bot_1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, StatusOffline, h.sup.Status("bot_1").Status)
}

func TestCrash_GoesToErrorWithLastErrorLine(t *testing.T) {
	h := newHarness(t, `echo spawned; echo "Error: cannot connect to server" >&2; echo "bye"; exit 1`)
	require.True(t, h.sup.Start("bot_1", "").Success)

	st := h.waitStatus(t, "bot_1", StatusError)
	assert.Equal(t, "Error: cannot connect to server", st.Error)
	assert.False(t, h.sup.IsRunning("bot_1"))

	sess, ok := h.sink.lastSession("bot_1")
	require.True(t, ok)
	assert.True(t, sess.ended)

	require.Eventually(t, func() bool {
		return len(h.rec.kinds("bot_1", EventError)) == 1
	}, waitFor, 10*time.Millisecond)

	// error is not terminal for the next explicit start
	res := h.sup.Start("bot_1", "")
	assert.True(t, res.Success, res.Error)
}

func TestCrash_WithoutErrorLineUsesExitStatus(t *testing.T) {
	h := newHarness(t, `exit 3`)
	require.True(t, h.sup.Start("bot_1", "").Success)
	st := h.waitStatus(t, "bot_1", StatusError)
	assert.Contains(t, st.Error, "exit status 3")
}

func TestStart_StderrIsAtLeastWarn(t *testing.T) {
	h := newHarness(t, `echo "npm notice" >&2; sleep 30`)
	require.True(t, h.sup.Start("bot_1", "").Success)

	require.Eventually(t, func() bool {
		return len(h.sup.RecentLogs("bot_1")) == 1
	}, waitFor, 10*time.Millisecond)
	e := h.sup.RecentLogs("bot_1")[0]
	assert.Equal(t, botlog.LevelWarn, e.Level)
	assert.Equal(t, botlog.SourceStderr, e.Source)
}

func TestStart_MissingKeysReportedTogether(t *testing.T) {
	h := newHarness(t, `sleep 30`)
	p := h.cat.profiles["bot_1"]
	p.Model.Model = "gpt-4o"
	p.CodeModel = &catalog.ModelRef{Model: "claude-3-5-sonnet"}
	p.Embedding = &catalog.ModelRef{Model: "text-embedding-3-small"}

	pre := h.sup.ValidatePrerequisites("bot_1")
	assert.False(t, pre.Valid)
	assert.Equal(t, []string{"anthropic", "openai"}, pre.MissingKeys)

	res := h.sup.Start("bot_1", "")
	assert.False(t, res.Success)
	assert.Equal(t, []string{"anthropic", "openai"}, res.MissingKeys)
	assert.Equal(t, StatusError, h.sup.Status("bot_1").Status)
	assert.Equal(t, 0, h.sink.sessionCount("bot_1"))

	h.cat.keys["openai"] = "sk-test"
	h.cat.keys["anthropic"] = "sk-ant"
	assert.True(t, h.sup.ValidatePrerequisites("bot_1").Valid)
}

func TestStart_UnknownBotAndTask(t *testing.T) {
	h := newHarness(t, `sleep 30`)

	res := h.sup.Start("ghost", "")
	assert.False(t, res.Success)
	assert.True(t, res.NotFound)

	res = h.sup.Start("bot_1", "no_such_task")
	assert.False(t, res.Success)
	assert.True(t, res.NotFound)
	assert.Equal(t, StatusOffline, h.sup.Status("bot_1").Status)
}

func TestStart_SpawnFailureGoesToError(t *testing.T) {
	h := newHarness(t, "true")
	h.sup.cfg.Command = "/nonexistent/mindcraft-bot"

	res := h.sup.Start("bot_1", "")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed to start bot process")
	assert.Equal(t, StatusError, h.sup.Status("bot_1").Status)
	assert.Equal(t, []Status{StatusStarting, StatusError}, h.rec.statuses("bot_1"))
}

func TestStart_PassesEnvironmentAndArguments(t *testing.T) {
	h := newHarness(t, `echo "host=$MINECRAFT_HOST port=$MINECRAFT_PORT key=$OPENAI_API_KEY bot=$HUB_BOT_ID"; echo "token=$HUB_TOKEN"; echo "args=$*"; sleep 30`)
	h.cat.keys["openai"] = "sk-test"
	h.cat.tasks["build"] = "/tasks/build.json"

	require.True(t, h.sup.Start("bot_1", "build").Success)
	require.Eventually(t, func() bool {
		return len(h.sup.RecentLogs("bot_1")) == 3
	}, waitFor, 10*time.Millisecond)

	logs := h.sup.RecentLogs("bot_1")
	assert.Equal(t, "host=localhost port=25565 key=sk-test bot=bot_1", logs[0].Message)
	assert.Equal(t, "args=--profiles /profiles/bot_1.json --task_path /tasks/build.json --task_id build", logs[2].Message)

	token := strings.TrimPrefix(logs[1].Message, "token=")
	require.NotEmpty(t, token)
	assert.True(t, h.sup.VerifyLinkToken("bot_1", token))
	assert.False(t, h.sup.VerifyLinkToken("bot_1", "wrong"))
	assert.False(t, h.sup.VerifyLinkToken("bot_1", ""))
}

func TestMarkReady_ExplicitReadiness(t *testing.T) {
	h := newHarness(t, `sleep 30`)
	require.True(t, h.sup.Start("bot_1", "").Success)
	assert.Equal(t, StatusStarting, h.sup.Status("bot_1").Status)

	h.sup.MarkReady("bot_1")
	assert.Equal(t, StatusOnline, h.sup.Status("bot_1").Status)

	// a second report changes nothing
	h.sup.MarkReady("bot_1")
	assert.Equal(t, []Status{StatusStarting, StatusOnline}, h.rec.statuses("bot_1"))
}

func TestMarkReady_WhileSessionOpensCarriesPID(t *testing.T) {
	h := newHarness(t, `sleep 30`)
	opening := make(chan struct{})
	release := make(chan struct{})
	h.sink.onStart = func(string) {
		close(opening)
		<-release
	}

	started := make(chan Result, 1)
	go func() { started <- h.sup.Start("bot_1", "") }()
	select {
	case <-opening:
	case <-time.After(waitFor):
		t.Fatal("log session never opened")
	}

	h.sup.MarkReady("bot_1")
	st := h.sup.Status("bot_1")
	close(release)
	require.True(t, (<-started).Success)

	assert.Equal(t, StatusOnline, st.Status)
	assert.Positive(t, st.PID)
}

func TestStop_EscalatesWhenTermIsIgnored(t *testing.T) {
	term := &recordingTerminator{}
	h := newHarness(t, `trap "" TERM; echo spawned; while true; do sleep 0.1; done`, WithTerminator(term))
	h.sup.cfg.StopTimeout = 300 * time.Millisecond

	require.True(t, h.sup.Start("bot_1", "").Success)
	h.waitStatus(t, "bot_1", StatusOnline)

	began := time.Now()
	res := h.sup.Stop("bot_1")
	require.True(t, res.Success, res.Error)
	assert.GreaterOrEqual(t, time.Since(began), 300*time.Millisecond)
	assert.Equal(t, StatusOffline, h.sup.Status("bot_1").Status)

	sent := term.sent()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, []proctree.Signal{proctree.Graceful, proctree.Forceful}, sent[:2])
}

func TestStop_KillTimeoutGoesToError(t *testing.T) {
	term := &recordingTerminator{ignore: true}
	h := newHarness(t, `echo spawned; sleep 30`, WithTerminator(term))
	h.sup.cfg.StopTimeout = 100 * time.Millisecond
	h.sup.cfg.KillTimeout = 100 * time.Millisecond

	require.True(t, h.sup.Start("bot_1", "").Success)
	st := h.waitStatus(t, "bot_1", StatusOnline)

	res := h.sup.Stop("bot_1")
	assert.False(t, res.Success)
	assert.Equal(t, "process did not exit after kill", res.Error)
	assert.Equal(t, StatusError, h.sup.Status("bot_1").Status)

	sess, ok := h.sink.lastSession("bot_1")
	require.True(t, ok)
	assert.True(t, sess.ended)

	require.NoError(t, proctree.OS{}.Terminate(st.PID, proctree.Forceful))
}

func TestRestart_LateOutputOfAbandonedProcessIsDropped(t *testing.T) {
	term := &recordingTerminator{ignore: true}
	// The first run keeps writing after it has been given up on; the
	// second one only comes online.
	script := `if [ -e first ]; then echo spawned; sleep 30; else
touch first; echo spawned; while [ ! -e go ]; do sleep 0.05; done
echo stale line; touch stale; sleep 30; fi`
	h := newHarness(t, script, WithTerminator(term))
	h.sup.cfg.StopTimeout = 100 * time.Millisecond
	h.sup.cfg.KillTimeout = 100 * time.Millisecond

	require.True(t, h.sup.Start("bot_1", "").Success)
	old := h.waitStatus(t, "bot_1", StatusOnline)
	assert.Equal(t, "process did not exit after kill", h.sup.Stop("bot_1").Error)
	t.Cleanup(func() { _ = proctree.OS{}.Terminate(old.PID, proctree.Forceful) })

	require.True(t, h.sup.Start("bot_1", "").Success)
	h.waitStatus(t, "bot_1", StatusOnline)
	require.Equal(t, 2, h.sink.sessionCount("bot_1"))

	dir := h.sup.cfg.WorkDir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go"), nil, 0o644))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "stale"))
		return err == nil
	}, waitFor, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	sess, ok := h.sink.lastSession("bot_1")
	require.True(t, ok)
	assert.False(t, sess.ended)
	for _, e := range sess.entries {
		assert.NotContains(t, e.Message, "stale line")
	}
	for _, e := range h.rec.kinds("bot_1", EventLog) {
		assert.NotContains(t, e.Log.Message, "stale line")
	}

	term.mu.Lock()
	term.ignore = false
	term.mu.Unlock()
}

func TestStop_OverlappingStopRejected(t *testing.T) {
	term := &recordingTerminator{ignore: true}
	h := newHarness(t, `echo spawned; sleep 30`, WithTerminator(term))
	h.sup.cfg.StopTimeout = time.Second
	h.sup.cfg.KillTimeout = time.Second

	require.True(t, h.sup.Start("bot_1", "").Success)
	st := h.waitStatus(t, "bot_1", StatusOnline)

	done := make(chan Result, 1)
	go func() { done <- h.sup.Stop("bot_1") }()
	h.waitStatus(t, "bot_1", StatusStopping)

	res := h.sup.Stop("bot_1")
	assert.False(t, res.Success)
	assert.Equal(t, "operation already in progress", res.Error)
	assert.True(t, res.Conflict)

	res = h.sup.Start("bot_1", "")
	assert.False(t, res.Success)

	require.NoError(t, proctree.OS{}.Terminate(st.PID, proctree.Forceful))
	first := <-done
	assert.True(t, first.Success, first.Error)
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, `echo spawned; sleep 30`)
	h.cat.addBot("bot_2", "Other", "ollama/llama3")

	require.True(t, h.sup.Start("bot_1", "").Success)
	require.True(t, h.sup.Start("bot_2", "").Success)
	h.waitStatus(t, "bot_1", StatusOnline)
	h.waitStatus(t, "bot_2", StatusOnline)
	assert.Equal(t, 2, h.sup.RunningCount())

	errs := h.sup.StopAll(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, 0, h.sup.RunningCount())
	assert.Len(t, h.sup.Statuses(), 2)
}

func TestReports_ForwardedOnlyWhileRunning(t *testing.T) {
	h := newHarness(t, `sleep 30`)
	pos := json.RawMessage(`{"x":1,"y":64,"z":-3}`)

	h.sup.ReportPosition("bot_1", pos)
	assert.Empty(t, h.rec.kinds("bot_1", EventPosition))

	require.True(t, h.sup.Start("bot_1", "").Success)
	h.sup.ReportPosition("bot_1", pos)
	h.sup.ReportInventory("bot_1", json.RawMessage(`{"items":[]}`))

	positions := h.rec.kinds("bot_1", EventPosition)
	require.Len(t, positions, 1)
	assert.JSONEq(t, string(pos), string(positions[0].Data))
	assert.Len(t, h.rec.kinds("bot_1", EventInventory), 1)

	h.sup.ReportError("bot_1", "pathfinder gave up")
	logs := h.sup.RecentLogs("bot_1")
	require.Len(t, logs, 1)
	assert.Equal(t, botlog.LevelError, logs[0].Level)
	assert.Equal(t, botlog.SourceLink, logs[0].Source)
}

func TestSubscribe_UnsubscribeAndPanickingHandler(t *testing.T) {
	h := newHarness(t, `sleep 30`)

	h.sup.Subscribe(func(Event) { panic("boom") })
	second := &recorder{}
	unsubscribe := h.sup.Subscribe(second.handle)

	require.True(t, h.sup.Start("bot_1", "").Success)
	assert.Equal(t, []Status{StatusStarting}, second.statuses("bot_1"))

	unsubscribe()
	unsubscribe()
	h.sup.MarkReady("bot_1")
	assert.Equal(t, []Status{StatusStarting}, second.statuses("bot_1"))
	assert.Equal(t, []Status{StatusStarting, StatusOnline}, h.rec.statuses("bot_1"))
}
