package sipua

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ReplacesInfo идентифицирует диалог, который должен заменить
// новый вызов при attended transfer (RFC 3891).
type ReplacesInfo struct {
	CallID  string
	ToTag   string
	FromTag string
}

// String возвращает значение Replaces: "<Call-ID>;to-tag=<to>;from-tag=<from>"
func (r ReplacesInfo) String() string {
	return fmt.Sprintf("%s;to-tag=%s;from-tag=%s", r.CallID, r.ToTag, r.FromTag)
}

// ParseReplaces разбирает значение Replaces. Порядок параметров не важен.
func ParseReplaces(value string) (ReplacesInfo, error) {
	parts := strings.Split(value, ";")
	info := ReplacesInfo{CallID: parts[0]}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "to-tag":
			info.ToTag = v
		case "from-tag":
			info.FromTag = v
		}
	}
	if info.CallID == "" || info.ToTag == "" || info.FromTag == "" {
		return ReplacesInfo{}, errors.Errorf("invalid Replaces value %q", value)
	}
	return info, nil
}

// referToWithReplaces строит значение Refer-To с экранированным
// параметром Replaces в header части URI.
func referToWithReplaces(target string, r ReplacesInfo) string {
	escaped := url.QueryEscape(r.String())
	return fmt.Sprintf("<%s?Replaces=%s>", target, escaped)
}

// angle оборачивает URI в угловые скобки, если их нет
func angle(uri string) string {
	if strings.HasPrefix(uri, "<") {
		return uri
	}
	return "<" + uri + ">"
}
