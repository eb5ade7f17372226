package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/arzzra/siphook/pkg/config"
	"github.com/arzzra/siphook/pkg/phone"
	"github.com/arzzra/siphook/pkg/session"
)

// shell построчный интерпретатор команд stdin
type shell struct {
	ctrl *phone.Controller
	cfg  *config.Config
	out  io.Writer
}

// errQuit завершает интерпретатор без ошибки
var errQuit = errors.New("quit")

func (s *shell) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	s.printf("Введите команду (help - список команд)\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := s.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				s.printf("Ошибка: %v\n", err)
			}
		}
	}
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// exec выполняет одну команду
func (s *shell) exec(ctx context.Context, line string) error {
	name, args := parseCommand(line)
	switch name {
	case "":
		return nil
	case "help":
		s.printf("%s", helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "connect":
		return s.ctrl.Connect(ctx, s.cfg.Credentials())
	case "register":
		return s.ctrl.Register(ctx)
	case "unregister":
		return s.ctrl.Unregister(ctx)
	case "call":
		dest := ""
		if len(args) > 0 {
			dest = args[0]
		}
		return s.ctrl.Call(ctx, dest)
	case "answer":
		return s.ctrl.Answer(ctx)
	case "hangup":
		return s.ctrl.Hangup(ctx)
	case "dtmf":
		if len(args) == 0 {
			return fmt.Errorf("usage: dtmf <digit> [ms]")
		}
		duration := session.DefaultDTMFDuration
		if len(args) > 1 {
			ms, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid duration %q", args[1])
			}
			duration = ms
		}
		return s.ctrl.DTMF(ctx, args[0], duration)
	case "transfer":
		if len(args) < 2 {
			return fmt.Errorf("usage: transfer <dest> blind|attended")
		}
		mode, err := parseTransferMode(args[1])
		if err != nil {
			return err
		}
		return s.ctrl.Transfer(ctx, args[0], mode)
	case "autoanswer":
		if len(args) == 0 {
			return fmt.Errorf("usage: autoanswer on|off")
		}
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return s.ctrl.SetAutoAnswer(ctx, on)
	case "number":
		value := ""
		if len(args) > 0 {
			value = args[0]
		}
		return s.ctrl.SetExternalNumber(ctx, value)
	case "mic":
		if len(args) == 0 {
			return fmt.Errorf("usage: mic on|off")
		}
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		if !s.ctrl.ControlMicLocal(ctx, on) {
			s.printf("Нет активного медиа канала\n")
		}
		return nil
	case "hold":
		return s.ctrl.Hold(ctx)
	case "unhold":
		return s.ctrl.Unhold(ctx)
	case "status":
		snap, err := s.ctrl.Snapshot(ctx)
		if err != nil {
			return err
		}
		s.printf("%s", formatSnapshot(snap))
		return nil
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

// parseCommand делит строку на команду в нижнем регистре и аргументы
func parseCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func parseTransferMode(v string) (phone.TransferMode, error) {
	switch strings.ToLower(v) {
	case "blind":
		return phone.Blind, nil
	case "attended":
		return phone.Attended, nil
	}
	return "", fmt.Errorf("unknown transfer mode %q", v)
}

func formatSnapshot(s phone.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "registration:    %s\n", s.RegistrationStatus)
	fmt.Fprintf(&b, "external number: %s\n", s.ExternalNumber)
	fmt.Fprintf(&b, "auto answer:     %t\n", s.AutoAnswer)
	fmt.Fprintf(&b, "live call:       %t\n", s.HasLiveCall)
	if s.SessionState != "" {
		fmt.Fprintf(&b, "session:         %s %s\n", s.Direction, s.SessionState)
	}
	fmt.Fprintf(&b, "received call:   %t\n", s.IsReceivedCall)
	fmt.Fprintf(&b, "ringing:         %t\n", s.Ringing)
	fmt.Fprintf(&b, "media attached:  %t\n", s.MediaAttached)
	if s.TransferPending {
		fmt.Fprintf(&b, "transfer:        pending\n")
	}
	if s.MediaError != nil {
		fmt.Fprintf(&b, "media error:     %v\n", s.MediaError)
	}
	return b.String()
}

const helpText = `Команды:
  connect                          подключиться и зарегистрироваться
  register | unregister            регистрация на сервере
  call [dest]                      исходящий вызов, без dest - внешний номер
  answer | hangup                  ответить, завершить вызов
  dtmf <digit> [ms]                отправить DTMF
  transfer <dest> blind|attended   перевести вызов
  autoanswer on|off                автоответ
  number <value>                   внешний номер
  mic on|off                       входящий звук
  hold | unhold                    удержание (не поддерживается)
  status                           текущее состояние
  quit                             выход
`
