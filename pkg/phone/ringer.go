package phone

import "log/slog"

// Ringer проигрыватель сигнала вызова. Оба метода идемпотентны.
type Ringer interface {
	StartRing()
	EndRing()
}

type noopRinger struct{}

func (noopRinger) StartRing() {}
func (noopRinger) EndRing()   {}

// LogRinger пишет начало и конец звонка в лог.
type LogRinger struct {
	Logger *slog.Logger
}

func (r LogRinger) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r LogRinger) StartRing() { r.logger().Info("ring started") }
func (r LogRinger) EndRing()   { r.logger().Info("ring stopped") }
