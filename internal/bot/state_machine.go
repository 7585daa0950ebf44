package bot

// LoopState состояние цикла управления
type LoopState string

const (
	StateIdle    LoopState = "IDLE"
	StateRunning LoopState = "RUNNING"
	StatePaused  LoopState = "PAUSED"
	StateStopped LoopState = "STOPPED"
)

// AllLoopStates все состояния (для метрик)
var AllLoopStates = []LoopState{StateIdle, StateRunning, StatePaused, StateStopped}

// ValidTransitions определяет допустимые переходы между состояниями
var ValidTransitions = map[LoopState][]LoopState{
	StateIdle:    {StateRunning, StateStopped},
	StateRunning: {StatePaused, StateStopped},
	StatePaused:  {StateRunning, StateStopped},
	StateStopped: {StateRunning}, // только явный перезапуск
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to LoopState) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s LoopState) string {
	switch s {
	case StateIdle:
		return "Бот не запущен"
	case StateRunning:
		return "Бот работает: выходы и новые входы"
	case StatePaused:
		return "Пауза: защитные выходы работают, новые входы не открываются"
	case StateStopped:
		return "Бот остановлен"
	default:
		return "Неизвестное состояние"
	}
}

// EvaluatesExits в состоянии выполняются защитные выходы
func EvaluatesExits(s LoopState) bool {
	return s == StateRunning || s == StatePaused
}

// AcceptsEntries в состоянии открываются новые позиции
func AcceptsEntries(s LoopState) bool {
	return s == StateRunning
}
