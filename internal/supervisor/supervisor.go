// Package supervisor runs bot processes and tracks their lifecycle:
// offline, starting, online, stopping and error. Each bot has at most one
// process, its output is classified and persisted as it arrives, and every
// change is published to subscribers.
package supervisor

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mindcraft-hub/internal/botlog"
	"mindcraft-hub/internal/catalog"
	"mindcraft-hub/internal/proctree"
)

const (
	scannerBufSize      = 1024 * 1024
	drainTimeout        = 2 * time.Second
	defaultStopTimeout  = 5 * time.Second
	defaultKillTimeout  = 3 * time.Second
	defaultReadyPattern = `(?i)\b(spawned|logged in as|joined the game)\b`
)

// Catalog resolves the bot configuration a start needs.
type Catalog interface {
	BotProfile(id string) (*catalog.Profile, bool)
	APIKey(provider string) (string, bool)
	AllAPIKeys() map[string]string
	Endpoint(id string) (*catalog.Endpoint, bool)
	Settings() catalog.Settings
	TaskPath(id string) (string, bool)
}

// LogSink persists bot output. *logstore.Store implements it.
type LogSink interface {
	StartSession(botID, botName string) (string, error)
	EndSession(botID string)
	WriteEntry(botID string, e botlog.Entry)
}

// Config controls how bot processes are launched.
type Config struct {
	Command      string
	Args         []string
	WorkDir      string
	ReadyPattern string
	StopTimeout  time.Duration
	KillTimeout  time.Duration
	// LinkURL is handed to the bot so it can dial back with position,
	// inventory and readiness reports.
	LinkURL string
	// RuntimeDir receives JSON copies of profiles that are not JSON on disk.
	RuntimeDir string
	TailSize   int
}

// Supervisor owns every bot process.
type Supervisor struct {
	cfg     Config
	cat     Catalog
	logs    LogSink
	term    proctree.Terminator
	log     logrus.FieldLogger
	now     func() time.Time
	environ []string
	ready   *regexp.Regexp

	mu   sync.Mutex
	bots map[string]*bot

	bus bus
}

type bot struct {
	status BotStatus
	// busy is the transition lock held by Start and Stop.
	busy bool
	proc *process
	tail *tail
}

type process struct {
	cmd           *exec.Cmd
	pid           int
	token         string
	stopRequested bool
	lastErr       string
	tail          *tail

	// recMu orders record against finish; finished is set under it.
	recMu    sync.RWMutex
	finished bool

	finishOnce sync.Once
	done       chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithTerminator replaces the process-tree signalling implementation.
func WithTerminator(t proctree.Terminator) Option {
	return func(s *Supervisor) { s.term = t }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithEnviron sets the base environment for bot processes. It is also
// consulted for API keys missing from the key store.
func WithEnviron(env []string) Option {
	return func(s *Supervisor) { s.environ = env }
}

// New builds a Supervisor.
func New(cfg Config, cat Catalog, logs LogSink, opts ...Option) (*Supervisor, error) {
	if cfg.Command == "" {
		return nil, errors.New("bot command is required")
	}
	if cfg.ReadyPattern == "" {
		cfg.ReadyPattern = defaultReadyPattern
	}
	ready, err := regexp.Compile(cfg.ReadyPattern)
	if err != nil {
		return nil, errors.Wrap(err, "compile ready pattern")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaultKillTimeout
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = filepath.Join(os.TempDir(), "mindcraft-hub")
	}

	s := &Supervisor{
		cfg:     cfg,
		cat:     cat,
		logs:    logs,
		term:    proctree.OS{},
		log:     logrus.WithField("component", "supervisor"),
		now:     time.Now,
		environ: os.Environ(),
		ready:   ready,
		bots:    make(map[string]*bot),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = bus{handlers: make(map[int]Handler), log: s.log}
	return s, nil
}

// botLocked returns the entry for id, creating it. s.mu must be held.
func (s *Supervisor) botLocked(id string) *bot {
	b, ok := s.bots[id]
	if !ok {
		b = &bot{status: BotStatus{Status: StatusOffline}, tail: newTail(s.cfg.TailSize)}
		s.bots[id] = b
	}
	return b
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	if b, ok := s.bots[id]; ok {
		b.busy = false
	}
	s.mu.Unlock()
}

// setStatus records st and publishes it. Error states are also published
// as an error event.
func (s *Supervisor) setStatus(id string, st BotStatus) {
	s.mu.Lock()
	s.botLocked(id).status = st
	s.mu.Unlock()
	s.publishStatus(id, st)
}

func (s *Supervisor) publishStatus(id string, st BotStatus) {
	s.log.WithFields(logrus.Fields{"bot": id, "status": st.Status}).Info("bot status changed")
	s.bus.emit(Event{Kind: EventStatus, BotID: id, Status: st})
	if st.Status == StatusError && st.Error != "" {
		s.bus.emit(Event{Kind: EventError, BotID: id, Error: st.Error})
	}
}

// Start launches the bot process. It is accepted only from offline or
// error, and never while another Start or Stop for the same bot runs.
func (s *Supervisor) Start(botID, taskID string) Result {
	if botID == "" {
		return fail("bot id is required")
	}

	s.mu.Lock()
	b := s.botLocked(botID)
	if b.busy {
		s.mu.Unlock()
		return reject("operation already in progress")
	}
	if !b.status.Status.canStart() {
		st := b.status.Status
		s.mu.Unlock()
		return reject(fmt.Sprintf("bot is already %s", st))
	}
	b.busy = true
	s.mu.Unlock()
	defer s.release(botID)

	profile, ok := s.cat.BotProfile(botID)
	if !ok {
		return Result{Error: fmt.Sprintf("bot %q not found", botID), NotFound: true}
	}

	var taskPath string
	if taskID != "" {
		taskPath, ok = s.cat.TaskPath(taskID)
		if !ok {
			return Result{Error: fmt.Sprintf("task %q not found", taskID), NotFound: true}
		}
	}

	prereq, reqs := s.validate(profile)
	if !prereq.Valid {
		s.setStatus(botID, BotStatus{Status: StatusError, Error: prereq.Error})
		return Result{Error: prereq.Error, MissingKeys: prereq.MissingKeys}
	}

	s.setStatus(botID, BotStatus{Status: StatusStarting})

	if err := s.spawn(profile, taskID, taskPath, reqs); err != nil {
		msg := "failed to start bot process: " + errors.Cause(err).Error()
		s.log.WithError(err).WithField("bot", botID).Error("spawn failed")
		s.setStatus(botID, BotStatus{Status: StatusError, Error: msg})
		return fail(msg)
	}
	return Result{Success: true}
}

// spawn starts the process and its output readers.
func (s *Supervisor) spawn(profile *catalog.Profile, taskID, taskPath string, reqs []requirement) error {
	profilePath, err := s.profileFile(profile)
	if err != nil {
		return err
	}

	args := append([]string{}, s.cfg.Args...)
	args = append(args, "--profiles", profilePath)
	if taskID != "" {
		args = append(args, "--task_path", taskPath, "--task_id", taskID)
	}

	token := uuid.NewString()
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = s.childEnv(profile.ID, token, reqs)
	cmd.SysProcAttr = proctree.Attr()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "create stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return errors.Wrap(err, "create stderr pipe")
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	proc := &process{cmd: cmd, token: token, tail: newTail(s.cfg.TailSize), done: make(chan struct{})}

	// Register the process before it runs so a side-channel dial that
	// arrives immediately can be authenticated.
	s.mu.Lock()
	b := s.botLocked(profile.ID)
	b.proc = proc
	b.tail = proc.tail
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		s.mu.Lock()
		b.proc = nil
		s.mu.Unlock()
		return errors.Wrapf(err, "start %s", s.cfg.Command)
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	// The side channel is already accepting this process, so its pid must
	// be known before anything else can block.
	s.mu.Lock()
	proc.pid = cmd.Process.Pid
	if b.proc == proc {
		b.status.PID = proc.pid
	}
	s.mu.Unlock()

	if _, err := s.logs.StartSession(profile.ID, profile.Name); err != nil {
		s.log.WithError(err).WithField("bot", profile.ID).Warn("could not open log session")
	}

	s.log.WithFields(logrus.Fields{"bot": profile.ID, "pid": proc.pid}).Info("bot process started")

	var readers sync.WaitGroup
	readers.Add(2)
	go s.scanOutput(profile.ID, proc, stdoutR, botlog.SourceStdout, &readers)
	go s.scanOutput(profile.ID, proc, stderrR, botlog.SourceStderr, &readers)
	go s.waitForExit(profile.ID, proc, &readers)

	return nil
}

// profileFile returns a JSON profile path the bot can load.
func (s *Supervisor) profileFile(p *catalog.Profile) (string, error) {
	if strings.EqualFold(filepath.Ext(p.Path), ".json") {
		return p.Path, nil
	}
	raw := p.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	if _, ok := raw["name"]; !ok {
		raw["name"] = p.Name
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode profile")
	}
	if err := os.MkdirAll(s.cfg.RuntimeDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create runtime dir")
	}
	path := filepath.Join(s.cfg.RuntimeDir, p.ID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errors.Wrap(err, "write runtime profile")
	}
	return path, nil
}

func (s *Supervisor) childEnv(botID, token string, reqs []requirement) []string {
	env := append([]string{}, s.environ...)
	for provider, key := range s.cat.AllAPIKeys() {
		if name, ok := providerEnv[provider]; ok {
			env = append(env, name+"="+key)
		}
	}
	for _, r := range reqs {
		if r.endpoint == nil {
			continue
		}
		prefix := strings.ToUpper(r.provider)
		if r.endpoint.BaseURL != "" {
			env = append(env, prefix+"_BASE_URL="+r.endpoint.BaseURL)
		}
		if r.endpoint.APIKey != "" {
			name, ok := providerEnv[r.provider]
			if !ok {
				name = prefix + "_API_KEY"
			}
			env = append(env, name+"="+r.endpoint.APIKey)
		}
	}

	set := s.cat.Settings()
	env = append(env,
		"MINECRAFT_HOST="+set.Host,
		"MINECRAFT_PORT="+strconv.Itoa(set.Port),
		"MINECRAFT_AUTH="+set.Auth,
		"MINECRAFT_VERSION="+set.Version,
		"ALLOW_INSECURE_CODING="+strconv.FormatBool(set.AllowInsecureCoding),
		"HUB_BOT_ID="+botID,
		"HUB_TOKEN="+token,
	)
	if s.cfg.LinkURL != "" {
		env = append(env, "HUB_URL="+s.cfg.LinkURL)
	}
	return env
}

// scanOutput turns each line of a pipe into a log entry.
func (s *Supervisor) scanOutput(botID string, proc *process, pipe *os.File, source string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer pipe.Close()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), scannerBufSize)
	for scanner.Scan() {
		entry, ok := botlog.NewEntry(scanner.Text(), source, s.now())
		if !ok {
			continue
		}
		s.record(botID, proc, entry)
		if source == botlog.SourceStdout && s.ready.MatchString(entry.Message) {
			s.markReady(botID, proc)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"bot": botID, "source": source}).Warn("output reader failed")
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, pipe)
	}
}

// record persists, buffers and publishes one entry. Lines that arrive
// after the process was finished belong to no session and are dropped.
func (s *Supervisor) record(botID string, proc *process, e botlog.Entry) {
	proc.recMu.RLock()
	defer proc.recMu.RUnlock()
	if proc.finished {
		s.log.WithFields(logrus.Fields{"bot": botID, "pid": proc.pid}).Debug("dropping output of finished process")
		return
	}

	s.logs.WriteEntry(botID, e)
	proc.tail.write(e)
	if e.Level == botlog.LevelError {
		s.mu.Lock()
		proc.lastErr = e.Message
		s.mu.Unlock()
	}
	s.bus.emit(Event{Kind: EventLog, BotID: botID, Log: e})
}

// waitForExit reaps the process and settles the final state.
func (s *Supervisor) waitForExit(botID string, proc *process, readers *sync.WaitGroup) {
	waitErr := proc.cmd.Wait()

	// Whatever the leader left behind in its group goes with it.
	if err := s.term.Terminate(proc.pid, proctree.Forceful); err != nil {
		s.log.WithError(err).WithField("bot", botID).Debug("cleanup of process group failed")
	}

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.log.WithField("bot", botID).Warn("output readers still open after exit")
	}

	s.mu.Lock()
	stopped := proc.stopRequested
	lastErr := proc.lastErr
	s.mu.Unlock()

	var st BotStatus
	switch {
	case stopped:
		st = BotStatus{Status: StatusOffline}
	case lastErr != "":
		st = BotStatus{Status: StatusError, Error: lastErr}
	case waitErr != nil:
		st = BotStatus{Status: StatusError, Error: "process exited: " + waitErr.Error()}
	default:
		st = BotStatus{Status: StatusError, Error: "process exited unexpectedly"}
	}

	s.log.WithFields(logrus.Fields{
		"bot":       botID,
		"pid":       proc.pid,
		"requested": stopped,
	}).Info("bot process exited")

	s.finish(botID, proc, st)
	close(proc.done)
}

// finish ends the log session and moves the bot to its final state. Only
// the first call for a process has any effect.
func (s *Supervisor) finish(botID string, proc *process, st BotStatus) {
	proc.finishOnce.Do(func() {
		proc.recMu.Lock()
		proc.finished = true
		proc.recMu.Unlock()

		// The session is ended while the bot still reads as running, so a
		// new Start cannot open a session that this call would close.
		s.logs.EndSession(botID)

		s.mu.Lock()
		b := s.botLocked(botID)
		if b.proc == proc {
			b.proc = nil
		}
		b.status = st
		s.mu.Unlock()

		s.publishStatus(botID, st)
	})
}

func (s *Supervisor) markReady(botID string, proc *process) {
	s.mu.Lock()
	b := s.botLocked(botID)
	if b.proc != proc || b.status.Status != StatusStarting {
		s.mu.Unlock()
		return
	}
	now := s.now().UTC()
	b.status = BotStatus{Status: StatusOnline, PID: proc.pid, StartTime: &now}
	st := b.status
	s.mu.Unlock()

	s.publishStatus(botID, st)
}

// MarkReady moves a starting bot to online. It is driven by an explicit
// readiness report from the bot.
func (s *Supervisor) MarkReady(botID string) {
	s.mu.Lock()
	b, ok := s.bots[botID]
	var proc *process
	if ok {
		proc = b.proc
	}
	s.mu.Unlock()
	if proc != nil {
		s.markReady(botID, proc)
	}
}

// Stop terminates the bot's whole process tree, escalating to a forced
// kill if it does not exit in time.
func (s *Supervisor) Stop(botID string) Result {
	s.mu.Lock()
	b, ok := s.bots[botID]
	if !ok {
		s.mu.Unlock()
		return reject("bot is not running")
	}
	if b.busy {
		s.mu.Unlock()
		return reject("operation already in progress")
	}
	proc := b.proc
	if !b.status.Status.canStop() || proc == nil {
		s.mu.Unlock()
		return reject("bot is not running")
	}
	b.busy = true
	proc.stopRequested = true
	st := BotStatus{Status: StatusStopping, PID: proc.pid, StartTime: b.status.StartTime}
	b.status = st
	s.mu.Unlock()
	defer s.release(botID)

	s.publishStatus(botID, st)

	log := s.log.WithFields(logrus.Fields{"bot": botID, "pid": proc.pid})
	if err := s.term.Terminate(proc.pid, proctree.Graceful); err != nil {
		log.WithError(err).Warn("graceful termination failed")
	}
	select {
	case <-proc.done:
		return Result{Success: true}
	case <-time.After(s.cfg.StopTimeout):
	}

	log.Warn("bot did not exit in time, killing")
	if err := s.term.Terminate(proc.pid, proctree.Forceful); err != nil {
		log.WithError(err).Warn("forced termination failed")
	}
	select {
	case <-proc.done:
		return Result{Success: true}
	case <-time.After(s.cfg.KillTimeout):
	}

	msg := "process did not exit after kill"
	log.Error(msg)
	s.finish(botID, proc, BotStatus{Status: StatusError, Error: msg})
	return fail(msg)
}

// StopAll stops every running bot concurrently. Individual failures are
// collected; ctx bounds the whole operation.
func (s *Supervisor) StopAll(ctx context.Context) []error {
	s.mu.Lock()
	var ids []string
	for id, b := range s.bots {
		if b.status.Status.canStop() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	results := make(chan error, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if res := s.Stop(id); !res.Success {
				results <- errors.Errorf("stop %s: %s", id, res.Error)
			}
		}(id)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	var errs []error
	select {
	case <-finished:
	case <-ctx.Done():
		errs = append(errs, errors.Wrap(ctx.Err(), "stop all bots"))
	}
	for {
		select {
		case err := <-results:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

// Status returns the bot's current state, offline for unknown bots.
func (s *Supervisor) Status(botID string) BotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[botID]; ok {
		return b.status
	}
	return BotStatus{Status: StatusOffline}
}

// Statuses returns the state of every bot the supervisor has seen.
func (s *Supervisor) Statuses() map[string]BotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BotStatus, len(s.bots))
	for id, b := range s.bots {
		out[id] = b.status
	}
	return out
}

// IsRunning reports whether the bot has a live process.
func (s *Supervisor) IsRunning(botID string) bool {
	return s.Status(botID).Status.running()
}

// RunningCount returns how many bots have a live process.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bots {
		if b.status.Status.running() {
			n++
		}
	}
	return n
}

// RecentLogs returns the latest entries of the bot's current or last run.
func (s *Supervisor) RecentLogs(botID string) []botlog.Entry {
	s.mu.Lock()
	b, ok := s.bots[botID]
	var t *tail
	if ok {
		t = b.tail
	}
	s.mu.Unlock()
	if t == nil {
		return []botlog.Entry{}
	}
	return t.entries()
}

// VerifyLinkToken checks the token a bot presents on its side channel.
func (s *Supervisor) VerifyLinkToken(botID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok || b.proc == nil || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(b.proc.token), []byte(token)) == 1
}

// ReportPosition forwards a position update. It is not persisted.
func (s *Supervisor) ReportPosition(botID string, data json.RawMessage) {
	if !s.IsRunning(botID) {
		s.log.WithField("bot", botID).Debug("dropping position for stopped bot")
		return
	}
	s.bus.emit(Event{Kind: EventPosition, BotID: botID, Data: data})
}

// ReportInventory forwards an inventory update. It is not persisted.
func (s *Supervisor) ReportInventory(botID string, data json.RawMessage) {
	if !s.IsRunning(botID) {
		s.log.WithField("bot", botID).Debug("dropping inventory for stopped bot")
		return
	}
	s.bus.emit(Event{Kind: EventInventory, BotID: botID, Data: data})
}

// ReportError records an error the bot reported over its side channel as
// an error-level log line of the current run.
func (s *Supervisor) ReportError(botID, message string) {
	s.mu.Lock()
	b, ok := s.bots[botID]
	var proc *process
	if ok {
		proc = b.proc
	}
	s.mu.Unlock()
	if proc == nil {
		return
	}

	entry, ok := botlog.NewEntry(message, botlog.SourceLink, s.now())
	if !ok {
		return
	}
	entry.Level = botlog.LevelError
	s.record(botID, proc, entry)
}
