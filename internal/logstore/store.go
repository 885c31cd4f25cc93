package logstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mindcraft-hub/internal/botlog"
)

const (
	indexFileName = "sessions.json"
	logFileExt    = ".jsonl"
)

// Record types written to a session file.
const (
	recordSessionStart = "session_start"
	recordLog          = "log"
	recordSessionEnd   = "session_end"
)

// ErrNotFound is returned when a session ID is not in the index.
var ErrNotFound = errors.New("session not found")

// Session is one run of a bot and its log file.
type Session struct {
	SessionID string     `json:"sessionId"`
	BotID     string     `json:"botId"`
	BotName   string     `json:"botName"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	LogFile   string     `json:"logFile"`
}

// Active reports whether the session has not been ended.
func (s Session) Active() bool { return s.EndTime == nil }

// Query filters and paginates a session read. Zero values mean no filter,
// no offset and no limit.
type Query struct {
	Level  botlog.Level
	Limit  int
	Offset int
}

// Page is the result of a session read. Total counts entries after the
// level filter and before pagination.
type Page struct {
	Logs  []botlog.Entry `json:"logs"`
	Total int            `json:"total"`
}

// record is one JSON line in a session file.
type record struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	BotID     string       `json:"botId,omitempty"`
	BotName   string       `json:"botName,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Level     botlog.Level `json:"level,omitempty"`
	Message   string       `json:"message,omitempty"`
	Source    string       `json:"source,omitempty"`
}

// Store persists bot output as one append-only JSON Lines file per session,
// plus an index of all sessions.
type Store struct {
	dir string
	now func() time.Time
	log logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string   // botID -> sessionID
	files    map[string]*os.File // sessionID -> append handle, active sessions only
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for absorbed failures.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a store rooted at dir. Call Init before use.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:      dir,
		now:      time.Now,
		log:      logrus.WithField("component", "logstore"),
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
		files:    make(map[string]*os.File),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory holding session files.
func (s *Store) Dir() string { return s.dir }

// Init creates the log directory and loads the session index. Sessions left
// open by a previous process are closed using the log file's modification
// time.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "create logs dir")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read session index")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var list []Session
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "parse session index")
	}

	dangling := 0
	for i := range list {
		sess := list[i]
		if sess.EndTime == nil {
			end := s.now().UTC()
			if info, err := os.Stat(s.pathFor(sess.LogFile)); err == nil {
				end = info.ModTime().UTC()
			}
			sess.EndTime = &end
			dangling++
		}
		s.sessions[sess.SessionID] = &sess
	}
	if dangling > 0 {
		s.log.WithField("count", dangling).Warn("closed sessions left open by a previous run")
		s.saveIndexLocked()
	}
	s.log.WithField("sessions", len(s.sessions)).Debug("session index loaded")
	return nil
}

// StartSession opens a new session for a bot, ending any session the bot
// still has open.
func (s *Store) StartSession(botID, botName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[botID]; ok {
		s.endLocked(botID)
	}

	start := s.now().UTC()
	id := s.uniqueIDLocked(botID + "_" + fileStamp(start))
	sess := &Session{
		SessionID: id,
		BotID:     botID,
		BotName:   botName,
		StartTime: start,
		LogFile:   id + logFileExt,
	}

	f, err := os.OpenFile(s.pathFor(sess.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", errors.Wrapf(err, "create log file for bot %s", botID)
	}
	if err := writeRecord(f, record{
		Type:      recordSessionStart,
		SessionID: id,
		BotID:     botID,
		BotName:   botName,
		Timestamp: start,
	}); err != nil {
		_ = f.Close()
		return "", errors.Wrapf(err, "write session start for bot %s", botID)
	}

	s.sessions[id] = sess
	s.active[botID] = id
	s.files[id] = f
	s.saveIndexLocked()

	s.log.WithFields(logrus.Fields{"bot": botID, "session": id}).Info("log session started")
	return id, nil
}

// EndSession closes the bot's active session, if any.
func (s *Store) EndSession(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(botID)
}

func (s *Store) endLocked(botID string) {
	id, ok := s.active[botID]
	if !ok {
		return
	}
	end := s.now().UTC()

	if f := s.files[id]; f != nil {
		if err := writeRecord(f, record{Type: recordSessionEnd, SessionID: id, Timestamp: end}); err != nil {
			s.log.WithError(err).WithField("session", id).Warn("write session end failed")
		}
		_ = f.Close()
		delete(s.files, id)
	}
	if sess := s.sessions[id]; sess != nil {
		sess.EndTime = &end
	}
	delete(s.active, botID)
	s.saveIndexLocked()

	s.log.WithFields(logrus.Fields{"bot": botID, "session": id}).Info("log session ended")
}

// WriteEntry appends a log entry to the bot's active session. Entries for
// bots without an active session are dropped.
func (s *Store) WriteEntry(botID string, e botlog.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[botID]
	if !ok {
		s.log.WithField("bot", botID).Warn("no active log session, dropping entry")
		return
	}
	f := s.files[id]
	if f == nil {
		return
	}
	if err := writeRecord(f, record{
		Type:      recordLog,
		Timestamp: e.Timestamp,
		Level:     e.Level,
		Message:   e.Message,
		Source:    e.Source,
	}); err != nil {
		s.log.WithError(err).WithField("session", id).Warn("write log entry failed")
	}
}

// ReadSessionLogs returns the log entries of a session, filtered by level
// and paginated. Unparseable lines are skipped.
func (s *Store) ReadSessionLogs(sessionID string, q Query) (*Page, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	var path string
	if ok {
		path = s.pathFor(sess.LogFile)
	}
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "session %s", sessionID)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Page{Logs: []botlog.Entry{}}, nil
		}
		return nil, errors.Wrapf(err, "open session %s", sessionID)
	}
	defer f.Close()

	logs := make([]botlog.Entry, 0)
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			var rec record
			if err := json.Unmarshal(line, &rec); err != nil {
				s.log.WithFields(logrus.Fields{"session": sessionID, "line": lineNo}).Warn("skipping unparseable log line")
			} else if rec.Type == recordLog && (q.Level == "" || rec.Level == q.Level) {
				logs = append(logs, botlog.Entry{
					Timestamp: rec.Timestamp,
					Level:     rec.Level,
					Message:   rec.Message,
					Source:    rec.Source,
				})
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, errors.Wrapf(readErr, "read session %s", sessionID)
		}
	}

	page := &Page{Total: len(logs)}
	start := q.Offset
	if start < 0 {
		start = 0
	}
	if start > len(logs) {
		start = len(logs)
	}
	end := len(logs)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	page.Logs = logs[start:end]
	return page, nil
}

// BotSessions returns the sessions of one bot, newest first.
func (s *Store) BotSessions(botID string) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0)
	for _, sess := range s.sessions {
		if sess.BotID == botID {
			out = append(out, *sess)
		}
	}
	sortNewestFirst(out)
	return out
}

// AllSessions returns every known session, newest first.
func (s *Store) AllSessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sortNewestFirst(out)
	return out
}

// SessionInfo returns the index entry of a session.
func (s *Store) SessionInfo(sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, errors.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	return *sess, nil
}

// ActiveSessionID returns the bot's open session.
func (s *Store) ActiveSessionID(botID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[botID]
	return id, ok
}

// DeleteSession removes a session's file and index entry. A file that is
// already gone is not an error.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "session %s", sessionID)
	}

	if f := s.files[sessionID]; f != nil {
		_ = f.Close()
		delete(s.files, sessionID)
	}
	if s.active[sess.BotID] == sessionID {
		delete(s.active, sess.BotID)
	}

	if err := os.Remove(s.pathFor(sess.LogFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove log file for session %s", sessionID)
	}
	delete(s.sessions, sessionID)
	s.saveIndexLocked()

	s.log.WithField("session", sessionID).Info("log session deleted")
	return nil
}

// Close ends every active session.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for botID := range s.active {
		s.endLocked(botID)
	}
	return nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *Store) uniqueIDLocked(base string) string {
	id := base
	for n := 1; ; n++ {
		if _, taken := s.sessions[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// saveIndexLocked rewrites sessions.json atomically. Failures are logged.
func (s *Store) saveIndexLocked() {
	list := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, *sess)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		s.log.WithError(err).Warn("encode session index failed")
		return
	}
	path := filepath.Join(s.dir, indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.WithError(err).Warn("write session index failed")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.WithError(err).Warn("replace session index failed")
	}
}

func writeRecord(w io.Writer, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// fileStamp renders t as an ISO-8601 timestamp safe for file names,
// e.g. 2024-01-01T00-00-00-000Z.
func fileStamp(t time.Time) string {
	iso := t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	return strings.NewReplacer(":", "-", ".", "-").Replace(iso)
}

func sortNewestFirst(list []Session) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartTime.After(list[j].StartTime) })
}
