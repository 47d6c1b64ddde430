package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/muse/timer"
)

// ErrUnknownEngine is returned for engine names the monitor does not track.
var ErrUnknownEngine = errors.New("unknown engine")

// EngineRefresh is how often engine status is re-checked.
const EngineRefresh = 2500 * time.Millisecond

// Action is the primary action a panel offers for an engine.
type Action string

const (
	ActionStartEngine Action = "start_engine"
	ActionSubmit      Action = "submit"
)

// EngineStatus is one engine's last observed availability.
type EngineStatus struct {
	Name      string    `json:"name"`
	Online    bool      `json:"online"`
	Starting  bool      `json:"starting,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// EngineMonitor polls every engine's status on one shared timer.
type EngineMonitor struct {
	d        *Deps
	names    []string
	interval *timer.Interval

	mu     sync.Mutex
	status map[string]EngineStatus
}

// NewEngineMonitor creates a monitor for names (default: all engines).
func NewEngineMonitor(deps *Deps, names ...string) *EngineMonitor {
	if len(names) == 0 {
		names = Engines
	}
	m := &EngineMonitor{
		d:      deps.withDefaults(),
		names:  names,
		status: make(map[string]EngineStatus, len(names)),
	}
	for _, n := range names {
		m.status[n] = EngineStatus{Name: n}
	}
	return m
}

// Start checks every engine now and then every period until Stop or ctx ends.
func (m *EngineMonitor) Start(ctx context.Context, period time.Duration) {
	m.mu.Lock()
	if m.interval != nil {
		m.mu.Unlock()
		return
	}
	if period <= 0 {
		period = EngineRefresh
	}
	m.interval = timer.New(period, timer.Immediately())
	iv := m.interval
	m.mu.Unlock()
	iv.Start(ctx, m.Refresh)
}

// Stop halts the refresh timer.
func (m *EngineMonitor) Stop() {
	m.mu.Lock()
	iv := m.interval
	m.mu.Unlock()
	if iv != nil {
		iv.Stop()
	}
}

// Refresh checks every engine once.
func (m *EngineMonitor) Refresh(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range m.names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.update(m.check(ctx, name))
		}(name)
	}
	wg.Wait()
}

type engineStatusResponse struct {
	Online *bool  `json:"online"`
	Status string `json:"status"`
}

func (m *EngineMonitor) check(ctx context.Context, name string) EngineStatus {
	st := EngineStatus{Name: name, CheckedAt: time.Now().UTC()}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := m.d.Factory.NewRequest(ctx, http.MethodGet, m.d.Factory.URL(name, "/engines/"+name+"/status"), nil)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	resp, err := m.d.Factory.Do(req)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var sr engineStatusResponse
	if json.Unmarshal(body, &sr) != nil {
		// A 2xx without a status body means the engine answered.
		st.Online = true
		return st
	}
	switch {
	case sr.Online != nil:
		st.Online = *sr.Online
	case sr.Status != "":
		s := strings.ToLower(sr.Status)
		st.Online = s == "online" || s == "running" || s == "ready"
		st.Starting = s == "starting" || s == "loading"
	default:
		st.Online = true
	}
	return st
}

func (m *EngineMonitor) update(st EngineStatus) {
	m.mu.Lock()
	prev := m.status[st.Name]
	if prev.Starting && !st.Online && !st.Starting && st.Error == "" {
		// Still booting after StartEngine; keep showing it as starting.
		st.Starting = true
	}
	m.status[st.Name] = st
	m.mu.Unlock()

	if prev.Online != st.Online || prev.Starting != st.Starting {
		m.d.Logger.Info("engine status changed",
			zap.String("engine", st.Name), zap.Bool("online", st.Online), zap.Bool("starting", st.Starting))
		m.d.emit(st.Name, "engine", st)
	}
}

// Status returns name's last observed status.
func (m *EngineMonitor) Status(name string) (EngineStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[name]
	return st, ok
}

// Snapshot returns every engine's status in display order.
func (m *EngineMonitor) Snapshot() []EngineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EngineStatus, 0, len(m.names))
	for _, n := range m.names {
		out = append(out, m.status[n])
	}
	return out
}

// Online reports whether name was online at the last check.
func (m *EngineMonitor) Online(name string) bool {
	st, _ := m.Status(name)
	return st.Online
}

// PrimaryAction is submit when the engine is online, start otherwise.
func (m *EngineMonitor) PrimaryAction(name string) Action {
	if m.Online(name) {
		return ActionSubmit
	}
	return ActionStartEngine
}

// StartEngine asks the backend to boot name. The engine is shown as
// starting until a status check reports it online.
func (m *EngineMonitor) StartEngine(ctx context.Context, name string) error {
	if _, ok := m.Status(name); !ok {
		return fmt.Errorf("%w %q", ErrUnknownEngine, name)
	}
	req, err := m.d.Factory.NewRequest(ctx, http.MethodPost, m.d.Factory.URL(name, "/engines/"+name+"/start"), nil)
	if err != nil {
		return err
	}
	resp, err := m.d.Factory.Do(req)
	if err != nil {
		return fmt.Errorf("starting engine %s: %w", name, err)
	}
	resp.Body.Close()

	m.mu.Lock()
	st := m.status[name]
	st.Starting = true
	m.status[name] = st
	m.mu.Unlock()
	m.d.emit(name, "engine", st)
	return nil
}
