package service

import (
	"github.com/arzzra/voip_core/pkg/state"
)

// Attach подключает согласователь: он подписывается на шину событий,
// получает состояние службы и журнал операций. Возвращает функцию отключения.
func (m *Manager) Attach(rec *state.Reconciler) (detach func()) {
	if rec == nil {
		return func() {}
	}
	unsubscribe := rec.Attach(m.bus)

	m.mu.Lock()
	m.observers = append(m.observers, rec)
	initialized := m.lifecycle.ready()
	m.mu.Unlock()

	rec.UpdateService(state.ServicePatch{
		Initialized: state.Ptr(initialized),
		Provider:    state.Ptr(m.shim.Name()),
	})

	return func() {
		unsubscribe()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o == rec {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				break
			}
		}
	}
}

func (m *Manager) snapshotObservers() []*state.Reconciler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*state.Reconciler(nil), m.observers...)
}

func (m *Manager) updateService(p state.ServicePatch) {
	for _, rec := range m.snapshotObservers() {
		rec.UpdateService(p)
	}
}

// record пишет действие в журнал событий согласователей
func (m *Manager) record(level, message string, data interface{}) {
	for _, rec := range m.snapshotObservers() {
		rec.LogEvent(level, message, data, contextAction)
	}
}
