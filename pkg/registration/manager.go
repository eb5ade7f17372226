// Package registration управляет подключением и регистрацией оконечного
// устройства через сигнальный движок.
package registration

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/arzzra/siphook/pkg/callerr"
	"github.com/arzzra/siphook/pkg/engine"
)

// Status состояние регистрации
type Status string

func (s Status) String() string {
	return string(s)
}

const (
	Disconnected Status = "DISCONNECTED"
	Connected    Status = "CONNECTED"
	Registered   Status = "REGISTERED"
)

// EngineFactory создает движок по учетным данным.
type EngineFactory func(creds engine.Credentials) (engine.Engine, error)

// Config параметры менеджера регистрации
type Config struct {
	Factory EngineFactory
	Logger  *slog.Logger

	// OnStatus вызывается при каждой смене статуса, в порядке смены
	OnStatus func(Status)
	// OnUnregistered вызывается после разрегистрации
	OnUnregistered func()
	// OnInvite передается движку как обработчик входящих INVITE
	OnInvite func(engine.Call)
}

// Manager владеет движком и статусом регистрации.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	status Status
	engine engine.Engine
	creds  engine.Credentials
	// gen поколение движка, уведомления прежних движков отбрасываются
	gen uint64
}

// New создает менеджер в статусе DISCONNECTED.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "registration"),
		status: Disconnected,
	}
}

// Status текущий статус регистрации.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Engine возвращает построенный движок, если connect уже был.
func (m *Manager) Engine() (engine.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine, m.engine != nil
}

// Credentials возвращает учетные данные последнего connect.
func (m *Manager) Credentials() engine.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// ServerHost хост из SIP аккаунта, используется для адресов перевода.
func (m *Manager) ServerHost() string {
	return AccountHost(m.Credentials().SIPAccount)
}

// Connect строит движок, запускает транспорт и сразу регистрируется.
// Прежний движок останавливается до запуска нового. Новый движок
// публикуется только после успешного Start.
// Статусы CONNECTED и REGISTERED выставляются по уведомлениям движка.
func (m *Manager) Connect(ctx context.Context, creds engine.Credentials) error {
	if m.cfg.Factory == nil {
		return callerr.New(callerr.CodeTransportFailure, "connect", "engine factory is not configured")
	}

	m.mu.Lock()
	prev := m.engine
	m.engine = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info("stopping previous transport")
		if err := prev.Stop(ctx); err != nil {
			m.logger.Warn("previous transport stop failed", slog.Any("error", err))
		}
		m.setStatus(Disconnected)
	}

	eng, err := m.cfg.Factory(creds)
	if err != nil {
		m.setStatus(Disconnected)
		return callerr.Transport("connect", err)
	}

	m.logger.Info("starting transport", slog.String("server", creds.ServerURL), slog.String("account", creds.SIPAccount))
	if err := eng.Start(ctx, m.handlers(gen)); err != nil {
		m.logger.Error("transport start failed", slog.Any("error", err))
		m.setStatus(Disconnected)
		return callerr.Transport("connect", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = eng.Stop(ctx)
		return callerr.New(callerr.CodeTransportFailure, "connect", "superseded by another connect")
	}
	m.engine = eng
	m.creds = creds
	m.mu.Unlock()

	return m.Register(ctx)
}

// current сообщает, относится ли поколение gen к действующему движку.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) handlers(gen uint64) engine.Handlers {
	return engine.Handlers{
		OnConnect: func() {
			if m.current(gen) {
				m.setStatus(Connected)
			}
		},
		OnDisconnect: func(err error) {
			if !m.current(gen) {
				return
			}
			if err != nil {
				m.logger.Warn("transport disconnected", slog.Any("error", err))
			}
			m.setStatus(Disconnected)
		},
		OnRegister: func() {
			if m.current(gen) {
				m.setStatus(Registered)
			}
		},
		OnUnregister: func() {
			if m.current(gen) {
				m.setStatus(Disconnected)
			}
		},
		OnInvite: func(call engine.Call) {
			if !m.current(gen) {
				m.logger.Warn("invite from stopped transport ignored", slog.String("callID", call.ID()))
				return
			}
			if m.cfg.OnInvite != nil {
				m.cfg.OnInvite(call)
			}
		},
	}
}

// Register повторяет регистрацию на уже построенном движке.
func (m *Manager) Register(ctx context.Context) error {
	eng, ok := m.Engine()
	if !ok {
		return callerr.New(callerr.CodeInvalidStateOperation, "register", "not connected")
	}
	if err := eng.Register(ctx); err != nil {
		m.logger.Error("register failed", slog.Any("error", err))
		m.setStatus(Disconnected)
		return callerr.Transport("register", err)
	}
	m.setStatus(Registered)
	return nil
}

// Unregister снимает регистрацию. После завершения статус DISCONNECTED
// и активный вызов принудительно считается завершенным.
func (m *Manager) Unregister(ctx context.Context) error {
	eng, ok := m.Engine()
	if !ok {
		return callerr.New(callerr.CodeInvalidStateOperation, "unregister", "not connected")
	}
	err := eng.Unregister(ctx)
	m.setStatus(Disconnected)
	if m.cfg.OnUnregistered != nil {
		m.cfg.OnUnregistered()
	}
	if err != nil {
		m.logger.Error("unregister failed", slog.Any("error", err))
		return callerr.Transport("unregister", err)
	}
	return nil
}

// Disconnect останавливает транспорт движка и забывает его.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	eng := m.engine
	m.engine = nil
	m.gen++
	m.mu.Unlock()
	if eng == nil {
		return nil
	}
	err := eng.Stop(ctx)
	m.setStatus(Disconnected)
	if err != nil {
		return callerr.Transport("disconnect", err)
	}
	return nil
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == status {
		return
	}
	m.logger.Info("registration status changed",
		slog.String("from", m.status.String()),
		slog.String("to", status.String()))
	m.status = status
	if m.cfg.OnStatus != nil {
		m.cfg.OnStatus(status)
	}
}

// AccountHost возвращает host часть аккаунта вида "sip:user@host:port".
func AccountHost(account string) string {
	account = strings.TrimSpace(account)
	account = strings.TrimPrefix(account, "sips:")
	account = strings.TrimPrefix(account, "sip:")
	if i := strings.LastIndex(account, "@"); i >= 0 {
		account = account[i+1:]
	}
	if i := strings.IndexAny(account, ";?>"); i >= 0 {
		account = account[:i]
	}
	return account
}
