package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// mockProcess is a controllable game process.
type mockProcess struct {
	pid int

	mu             sync.Mutex
	done           chan struct{}
	exitCode       int
	ignoreTerm     bool
	terminateCalls int
	killCalls      int
}

func newMockProcess(pid int) *mockProcess {
	return &mockProcess{pid: pid, done: make(chan struct{})}
}

func (p *mockProcess) PID() int { return p.pid }

func (p *mockProcess) Exited() (bool, int) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.exitCode
	default:
		return false, 0
	}
}

func (p *mockProcess) Wait(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *mockProcess) Terminate() error {
	p.mu.Lock()
	p.terminateCalls++
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit(0)
	}
	return nil
}

func (p *mockProcess) Kill() error {
	p.mu.Lock()
	p.killCalls++
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

// exit simulates the process ending on its own.
func (p *mockProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
	default:
		p.exitCode = code
		close(p.done)
	}
}

func (p *mockProcess) calls() (terminate, kill int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminateCalls, p.killCalls
}

// mockProcessManager hands out mock processes.
type mockProcessManager struct {
	mu       sync.Mutex
	started  []domain.LaunchSpec
	procs    []*mockProcess
	startErr error
	nextPID  int
}

func (m *mockProcessManager) Start(spec domain.LaunchSpec) (domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.nextPID++
	proc := newMockProcess(1000 + m.nextPID)
	m.started = append(m.started, spec)
	m.procs = append(m.procs, proc)
	return proc, nil
}

func (m *mockProcessManager) Usage(pid int) (float64, uint64, error) {
	return 12.5, 512 << 20, nil
}

func (m *mockProcessManager) last() *mockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.procs) == 0 {
		return nil
	}
	return m.procs[len(m.procs)-1]
}

func (m *mockProcessManager) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.started)
}

// mockFS reports the listed paths as existing executables.
type mockFS struct {
	existing map[string]bool
}

func (f *mockFS) Exists(path string) bool { return f.existing[path] }
func (f *mockFS) ExpandHome(path string) string { return path }

// memStore is an in-memory game, session and tag store.
type memStore struct {
	mu          sync.Mutex
	games       map[string]domain.Game
	sessions    map[string]*domain.SessionRecord
	tags        map[string]*domain.AccessTag
	permissions map[string]bool
	accessLog   []domain.AccessLogEntry
	touched     []string
	ratings     []string
	seq         int

	getGameErr      error
	startErr        error
	endErr          error
	getTagErr       error
	recordAccessErr error
}

func newMemStore(games ...domain.Game) *memStore {
	s := &memStore{
		games:       make(map[string]domain.Game),
		sessions:    make(map[string]*domain.SessionRecord),
		tags:        make(map[string]*domain.AccessTag),
		permissions: make(map[string]bool),
	}
	for _, g := range games {
		s.games[g.ID] = g
	}
	return s
}

func (s *memStore) GetGame(id string) (*domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getGameErr != nil {
		return nil, s.getGameErr
	}
	g, ok := s.games[id]
	if !ok || !g.Active {
		return nil, fmt.Errorf("game %q: %w", id, domain.ErrNotFound)
	}
	return &g, nil
}

func (s *memStore) GetGames() ([]domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Game
	for _, g := range s.games {
		if g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *memStore) UpsertGames(games []domain.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games = make(map[string]domain.Game)
	for _, g := range games {
		s.games[g.ID] = g
	}
	return nil
}

func (s *memStore) StartSession(gameID string, durationSeconds int, rfidTag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.seq++
	id := fmt.Sprintf("session-%d", s.seq)
	s.sessions[id] = &domain.SessionRecord{
		ID:              id,
		GameID:          gameID,
		DurationSeconds: durationSeconds,
		RFIDTag:         rfidTag,
		Status:          domain.SessionStatusActive,
	}
	return id, nil
}

func (s *memStore) EndSession(sessionID string, actualSeconds int, rating *int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endErr != nil {
		return false, s.endErr
	}
	rec, ok := s.sessions[sessionID]
	if !ok || rec.Status != domain.SessionStatusActive {
		return false, nil
	}
	rec.Status = domain.SessionStatusCompleted
	rec.ActualSeconds = actualSeconds
	if rating != nil {
		r := *rating
		rec.Rating = &r
	}
	return true, nil
}

func (s *memStore) RateSession(sessionID string, rating int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	rec.Rating = &rating
	s.ratings = append(s.ratings, sessionID)
	return true, nil
}

func (s *memStore) AverageRating(gameID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum, n int
	for _, rec := range s.sessions {
		if rec.GameID == gameID && rec.Rating != nil {
			sum += *rec.Rating
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return float64(sum) / float64(n), nil
}

func (s *memStore) ValidateTag(tagID string) (*domain.AccessTag, error) {
	tag, err := s.GetTag(tagID)
	if err != nil || tag.Status != domain.TagActive {
		return nil, nil
	}
	return tag, nil
}

func (s *memStore) GetTag(tagID string) (*domain.AccessTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getTagErr != nil {
		return nil, s.getTagErr
	}
	tag, ok := s.tags[tagID]
	if !ok {
		return nil, fmt.Errorf("tag %q: %w", tagID, domain.ErrNotFound)
	}
	cp := *tag
	return &cp, nil
}

func (s *memStore) TouchTag(tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, tagID)
	return nil
}

func (s *memStore) GetGamePermission(tagID, gameID string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed, found := s.permissions[tagID+"/"+gameID]
	return allowed, found, nil
}

func (s *memStore) RecordAccess(entry domain.AccessLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordAccessErr != nil {
		return s.recordAccessErr
	}
	s.accessLog = append(s.accessLog, entry)
	return nil
}

func (s *memStore) Counts() (domain.StoreCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.StoreCounts{Games: len(s.games), Sessions: len(s.sessions), Tags: len(s.tags)}, nil
}

func (s *memStore) addTag(tagID, name string, status domain.TagStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tagID] = &domain.AccessTag{TagID: tagID, Name: name, Status: status, PermissionLevel: "standard"}
}

func (s *memStore) denyGame(tagID, gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[tagID+"/"+gameID] = false
}

func (s *memStore) session(id string) domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[id]; ok {
		return *rec
	}
	return domain.SessionRecord{}
}

func (s *memStore) accessEntries() []domain.AccessLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AccessLogEntry(nil), s.accessLog...)
}

func (s *memStore) ratingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ratings)
}

// recordingAlerts keeps raised alerts.
type recordingAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *recordingAlerts) Raise(alert domain.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerts) Recent(limit int) []domain.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Alert, 0, len(a.alerts))
	for i := len(a.alerts) - 1; i >= 0; i-- {
		out = append(out, a.alerts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// recordingAnalytics keeps replicated session records.
type recordingAnalytics struct {
	mu      sync.Mutex
	started []domain.SessionRecord
	ended   []domain.SessionRecord
}

func (a *recordingAnalytics) SessionStarted(rec domain.SessionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = append(a.started, rec)
}

func (a *recordingAnalytics) SessionEnded(rec domain.SessionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ended = append(a.ended, rec)
}

func (a *recordingAnalytics) endedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ended)
}

// staticMonitor reports fixed host gauges.
type staticMonitor struct {
	stats   domain.HostStats
	infoErr error
}

func (m *staticMonitor) Stats() domain.HostStats { return m.stats }

func (m *staticMonitor) Info() (domain.HostInfo, error) {
	if m.infoErr != nil {
		return domain.HostInfo{}, m.infoErr
	}
	return domain.HostInfo{Hostname: "kiosk-01"}, nil
}

// fakeHub records broadcasts.
type fakeHub struct {
	mu      sync.Mutex
	clients int
	sent    [][]byte
}

func (h *fakeHub) Broadcast(data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, data)
	return h.clients
}

func (h *fakeHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients
}

func (h *fakeHub) setClients(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients = n
}

func (h *fakeHub) broadcasts() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

const (
	beatSaberPath = "/games/beatsaber"
	alyxPath      = "/games/alyx"
)

func testCatalog() []domain.Game {
	return []domain.Game{
		{ID: "1", Title: "Beat Saber", ExecutablePath: beatSaberPath, Arguments: []string{"--vrmode", "openvr"}, MinDurationSeconds: 300, MaxDurationSeconds: 1800, Active: true},
		{ID: "2", Title: "Half-Life: Alyx", ExecutablePath: alyxPath, Active: true},
		{ID: "3", Title: "Missing Game", ExecutablePath: "/games/absent", Active: true},
		{ID: "9", Title: "Retired", ExecutablePath: "/games/retired", Active: false},
	}
}

// kioskFixture wires the real use cases over in-memory collaborators and a fake clock.
type kioskFixture struct {
	clock       *clockwork.FakeClock
	store       *memStore
	pm          *mockProcessManager
	alerts      *recordingAlerts
	analytics   *recordingAnalytics
	events      chan domain.Event
	hub         *fakeHub
	supervisor  *Supervisor
	timer       *SessionTimer
	access      *AccessValidator
	controller  *Controller
	broadcaster *Broadcaster
	diagnostics *DiagnosticsCollector
	dispatcher  *Dispatcher
}

func newKioskFixture(t *testing.T) *kioskFixture {
	t.Helper()
	f := &kioskFixture{
		clock:     clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)),
		store:     newMemStore(testCatalog()...),
		pm:        &mockProcessManager{},
		alerts:    &recordingAlerts{},
		analytics: &recordingAnalytics{},
		events:    make(chan domain.Event, 64),
		hub:       &fakeHub{},
	}
	logger := zap.NewNop()
	fs := &mockFS{existing: map[string]bool{beatSaberPath: true, alyxPath: true}}

	supCfg := DefaultSupervisorConfig()
	supCfg.GracefulTimeout = 50 * time.Millisecond
	supCfg.KillTimeout = 50 * time.Millisecond

	f.supervisor = NewSupervisor(supCfg, f.pm, fs, f.alerts, f.events, f.clock, logger)
	f.timer = NewSessionTimer(f.clock, f.events, logger)
	f.access = NewAccessValidator(f.store, f.clock, logger)
	f.controller = NewController(f.store, f.store, f.supervisor, f.timer, f.access, f.analytics, f.events, f.clock, logger)
	f.broadcaster = NewBroadcaster(f.controller, &staticMonitor{stats: domain.HostStats{CPUPercent: 20, MemoryPercent: 45, DiskFreeMB: 80000}}, f.alerts, f.events, time.Second, f.clock, logger)
	f.broadcaster.SetHub(f.hub)
	f.diagnostics = NewDiagnosticsCollector(f.supervisor, &staticMonitor{}, f.store, f.store, BuildInfo{Version: "test"}, f.clock, logger)
	f.diagnostics.SetHub(f.hub)
	f.dispatcher = NewDispatcher(f.controller, f.access, f.broadcaster, f.diagnostics, f.clock, logger)

	t.Cleanup(f.controller.Shutdown)
	return f
}

// launch starts a session through the controller.
func (f *kioskFixture) launch(t *testing.T, gameID string, seconds int) *LaunchResult {
	t.Helper()
	res, err := f.controller.LaunchAndStart(LaunchRequest{GameID: gameID, DurationSeconds: seconds})
	require.NoError(t, err)
	return res
}

// waitForTicker blocks until the session timer's ticker is registered on the fake clock.
func (f *kioskFixture) waitForTicker(t *testing.T) {
	t.Helper()
	waitForWaiters(t, f.clock, 1)
}

func waitForWaiters(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

// advance moves the fake clock forward one second at a time so every tick is observed.
func advance(clock *clockwork.FakeClock, seconds int) {
	for i := 0; i < seconds; i++ {
		clock.Advance(time.Second)
	}
}

// send dispatches a raw command and decodes the response.
func (f *kioskFixture) send(t *testing.T, raw string) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(f.dispatcher.Handle([]byte(raw)), &resp))
	return resp
}

// nextEvent waits for an event of the given kind, skipping others.
func nextEvent(t *testing.T, events <-chan domain.Event, kind domain.EventKind) domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return domain.Event{}
		}
	}
}
