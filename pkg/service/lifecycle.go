package service

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Состояния жизненного цикла службы
const (
	StateDisposed     = "disposed"
	StateInitializing = "initializing"
	StateReady        = "ready"
	StateDisposing    = "disposing"
)

// lifecycle автомат жизненного цикла менеджера
type lifecycle struct {
	fsm *fsm.FSM
}

func newLifecycle(onChange func(from, to string)) *lifecycle {
	l := &lifecycle{}
	l.fsm = fsm.NewFSM(
		StateDisposed,
		fsm.Events{
			// Начало инициализации
			{Name: "init", Src: []string{StateDisposed}, Dst: StateInitializing},
			// Инициализация завершена
			{Name: "ready", Src: []string{StateInitializing}, Dst: StateReady},
			// Инициализация не удалась
			{Name: "fail", Src: []string{StateInitializing}, Dst: StateDisposed},
			// Начало освобождения
			{Name: "dispose", Src: []string{StateReady, StateDisposed}, Dst: StateDisposing},
			// Освобождение завершено
			{Name: "disposed", Src: []string{StateDisposing}, Dst: StateDisposed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(e.Src, e.Dst)
				}
			},
		},
	)
	return l
}

// fire выполняет событие автомата; переход в то же состояние не ошибка
func (l *lifecycle) fire(ctx context.Context, event string) error {
	err := l.fsm.Event(ctx, event)
	var nt fsm.NoTransitionError
	if errors.As(err, &nt) {
		return nil
	}
	return err
}

func (l *lifecycle) current() string {
	return l.fsm.Current()
}

func (l *lifecycle) ready() bool {
	return l.fsm.Current() == StateReady
}
