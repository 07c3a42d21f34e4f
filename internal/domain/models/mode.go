package models

import "fmt"

// Mode selects which components are composed at startup.
type Mode string

const (
	ModeSignals    Mode = "signals"
	ModeTrading    Mode = "trading"
	ModeIntegrated Mode = "integrated"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSignals, ModeTrading, ModeIntegrated:
		return Mode(s), nil
	// legacy mode names
	case "analyzer", "acp":
		return ModeSignals, nil
	case "bot":
		return ModeTrading, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m Mode) Distributes() bool { return m == ModeSignals || m == ModeIntegrated }
func (m Mode) Trades() bool      { return m == ModeTrading || m == ModeIntegrated }
