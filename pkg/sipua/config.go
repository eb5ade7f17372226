package sipua

import (
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultSIPPort         = 5060
	defaultRegisterExpires = 3600
	defaultUserAgent       = "siphook/1.0"
)

// Config параметры SIP движка.
type Config struct {
	// ListenHost локальный адрес SIP транспорта. Пустой или 0.0.0.0
	// означает адрес, с которого виден сервер
	ListenHost string
	// ListenPort локальный порт, 0 выбирает свободный
	ListenPort int
	UserAgent  string

	// RTPHost адрес для приема RTP, по умолчанию совпадает с Contact
	RTPHost string
	// RTPPortMin и RTPPortMax диапазон портов RTP, 0 - любой свободный
	RTPPortMin int
	RTPPortMax int
	// PayloadTypes поддерживаемые кодеки в порядке предпочтения
	PayloadTypes []uint8

	RegisterExpires int
	// ResponseTimeout ожидание финального ответа на REGISTER и BYE
	ResponseTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		UserAgent:       defaultUserAgent,
		PayloadTypes:    []uint8{payloadTypePCMU, payloadTypePCMA},
		RegisterExpires: defaultRegisterExpires,
		ResponseTimeout: 10 * time.Second,
	}
}

// Validate проверяет конфигурацию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if len(c.PayloadTypes) == 0 {
		c.PayloadTypes = []uint8{payloadTypePCMU, payloadTypePCMA}
	}
	for _, pt := range c.PayloadTypes {
		if pt != payloadTypePCMU && pt != payloadTypePCMA {
			return errors.Errorf("unsupported payload type %d", pt)
		}
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = defaultRegisterExpires
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return errors.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.RTPPortMin < 0 || c.RTPPortMax < c.RTPPortMin || c.RTPPortMax > 65535 {
		return errors.Errorf("invalid rtp port range %d-%d", c.RTPPortMin, c.RTPPortMax)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Target адрес SIP сервера
type Target struct {
	// Transport "udp", "tcp" или "ws"
	Transport string
	Host      string
	Port      int
}

// Addr возвращает host:port
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ParseServerURL разбирает адрес сервера вида "udp://host:port",
// "tcp://host", "ws://host:port", "sip:host:port;transport=tcp" или "host:port".
func ParseServerURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, errors.New("empty server url")
	}

	t := Target{Transport: "udp", Port: defaultSIPPort}
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		t.Transport = strings.ToLower(raw[:i])
		rest = raw[i+3:]
	} else if strings.HasPrefix(strings.ToLower(raw), "sip:") {
		rest = raw[len("sip:"):]
		if i := strings.Index(rest, ";"); i >= 0 {
			for _, param := range strings.Split(rest[i+1:], ";") {
				if v, ok := strings.CutPrefix(strings.ToLower(param), "transport="); ok {
					t.Transport = v
				}
			}
			rest = rest[:i]
		}
	}

	switch t.Transport {
	case "udp", "tcp", "ws":
	default:
		return Target{}, errors.Errorf("unsupported transport %q", t.Transport)
	}

	rest = strings.TrimSuffix(rest, "/")
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if rest == "" {
		return Target{}, errors.Errorf("no host in server url %q", raw)
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		// порт не указан
		t.Host = strings.Trim(rest, "[]")
		return t, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Target{}, errors.Errorf("invalid port in server url %q", raw)
	}
	t.Host = host
	t.Port = p
	return t, nil
}
