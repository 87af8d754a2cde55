package state

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/arzzra/voip_core/pkg/events"
)

// machine конечный автомат одного среза состояния.
// Каждое состояние доступно из любого другого событием с его именем,
// переход в текущее состояние FSM сообщает как NoTransitionError.
type machine struct {
	name   string
	known  map[string]bool
	fsm    *fsm.FSM
	metric *Metrics
}

func newMachine(name, initial string, states []string, metrics *Metrics) *machine {
	m := &machine{
		name:   name,
		known:  make(map[string]bool, len(states)),
		metric: metrics,
	}

	evs := make(fsm.Events, 0, len(states))
	for _, s := range states {
		m.known[s] = true
		evs = append(evs, fsm.EventDesc{Name: s, Src: states, Dst: s})
	}

	m.fsm = fsm.NewFSM(
		initial,
		evs,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.metric.transition(m.name, e.Src, e.Dst)
			},
		},
	)
	return m
}

func newRegistrationMachine(metrics *Metrics) *machine {
	states := make([]string, 0, len(events.RegistrationStates))
	for _, s := range events.RegistrationStates {
		states = append(states, string(s))
	}
	return newMachine("registration", string(events.RegistrationNone), states, metrics)
}

func newCallMachine(metrics *Metrics) *machine {
	states := []string{string(events.CallIdle)}
	for _, s := range events.CallStates {
		states = append(states, string(s))
	}
	return newMachine("call", string(events.CallIdle), states, metrics)
}

// current текущее состояние
func (m *machine) current() string {
	return m.fsm.Current()
}

// advance переводит автомат в состояние to.
// Возвращает предыдущее состояние и признак того, что состояние изменилось.
// Состояния вне словаря выставляются напрямую.
func (m *machine) advance(to string) (from string, changed bool) {
	from = m.fsm.Current()
	if !m.known[to] {
		m.fsm.SetState(to)
		if from != to {
			m.metric.transition(m.name, from, to)
		}
		return from, from != to
	}

	err := m.fsm.Event(context.Background(), to)
	if err == nil {
		return from, true
	}
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return from, false
	}
	// автомат из неизвестного состояния: события недоступны, выставляем напрямую
	m.fsm.SetState(to)
	m.metric.transition(m.name, from, to)
	return from, from != to
}

// reset возвращает автомат в состояние без учета перехода
func (m *machine) reset(to string) {
	m.fsm.SetState(to)
}
