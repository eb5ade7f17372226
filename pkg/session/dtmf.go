package session

import (
	"strconv"
	"strings"

	"github.com/arzzra/siphook/pkg/callerr"
)

// DTMFContentType тип тела INFO для DTMF
const DTMFContentType = "application/dtmf-relay"

// DefaultDTMFDuration длительность тона по умолчанию, мс
const DefaultDTMFDuration = 100

const dtmfSignals = "0123456789*#ABCD"

// DTMFBody формирует тело application/dtmf-relay:
// "Signal=<signal>\r\nDuration=<durationMs>".
func DTMFBody(signal string, durationMs int) ([]byte, error) {
	signal = strings.ToUpper(strings.TrimSpace(signal))
	if len(signal) != 1 || !strings.Contains(dtmfSignals, signal) {
		return nil, callerr.Newf(callerr.CodeInvalidArgument, "dtmf", "invalid dtmf signal %q", signal)
	}
	if durationMs <= 0 {
		return nil, callerr.Newf(callerr.CodeInvalidArgument, "dtmf", "invalid dtmf duration %d", durationMs)
	}
	return []byte("Signal=" + signal + "\r\nDuration=" + strconv.Itoa(durationMs)), nil
}
