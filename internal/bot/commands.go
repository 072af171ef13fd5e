package bot

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sigpilot/sigpilot/clock"
	"github.com/sigpilot/sigpilot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND GRAMMAR - Total parsing, role checks, bounded per-user history
// ═══════════════════════════════════════════════════════════════════════════════
//
// Parsing never fails: anything that does not match the grammar comes back
// as UNKNOWN and the caller replies with usage. Authorization is separate
// from parsing so the audit trail records what was asked even when denied.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CommandKind is the parsed verb.
type CommandKind string

const (
	CmdStatus  CommandKind = "STATUS"
	CmdReplay  CommandKind = "REPLAY"
	CmdStealth CommandKind = "STEALTH"
	CmdEnable  CommandKind = "ENABLE"
	CmdDisable CommandKind = "DISABLE"
	CmdSet     CommandKind = "SET"
	CmdGet     CommandKind = "GET"
	CmdPause   CommandKind = "PAUSE"
	CmdResume  CommandKind = "RESUME"
	CmdHelp    CommandKind = "HELP"
	CmdUnknown CommandKind = "UNKNOWN"
)

// Command is one parsed operator instruction.
type Command struct {
	Kind   CommandKind
	Target string // symbol, provider or "ALL"
	Param  string
	Value  string
	Count  int  // replay depth; 0 means "last"
	On     bool // stealth toggle
	Raw    string
}

// ParseCommand turns free text into a Command. Case-insensitive and
// whitespace-tolerant; malformed input yields UNKNOWN, never an error.
func ParseCommand(text string) Command {
	cmd := Command{Kind: CmdUnknown, Raw: text}
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return cmd
	}
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Strip the @botname suffix Telegram appends in groups.
	if at := strings.IndexByte(verb, '@'); at >= 0 {
		verb = verb[:at]
	}
	args := fields[1:]

	switch verb {
	case "status":
		cmd.Kind = CmdStatus
		if len(args) > 1 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		if len(args) == 1 {
			cmd.Target = strings.ToUpper(args[0])
		}

	case "replay":
		if len(args) < 1 || len(args) > 2 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		cmd.Kind = CmdReplay
		cmd.Target = strings.ToUpper(args[0])
		if len(args) == 2 {
			if strings.EqualFold(args[1], "last") {
				cmd.Count = 0
			} else {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 1 {
					return Command{Kind: CmdUnknown, Raw: text}
				}
				cmd.Count = n
			}
		}

	case "stealth":
		if len(args) != 1 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		switch strings.ToLower(args[0]) {
		case "on", "enable":
			cmd.Kind = CmdStealth
			cmd.On = true
		case "off", "disable":
			cmd.Kind = CmdStealth
			cmd.On = false
		default:
			return Command{Kind: CmdUnknown, Raw: text}
		}

	case "enable", "disable":
		if len(args) != 1 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		cmd.Kind = CmdEnable
		if verb == "disable" {
			cmd.Kind = CmdDisable
		}
		cmd.Target = strings.ToUpper(args[0])

	case "set":
		if len(args) != 3 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		cmd.Kind = CmdSet
		cmd.Target = strings.ToUpper(args[0])
		cmd.Param = strings.ToUpper(args[1])
		cmd.Value = args[2]

	case "get":
		if len(args) < 1 || len(args) > 2 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		cmd.Kind = CmdGet
		cmd.Target = strings.ToUpper(args[0])
		if len(args) == 2 {
			cmd.Param = strings.ToUpper(args[1])
		}

	case "pause":
		if len(args) != 0 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		cmd.Kind = CmdPause

	case "resume":
		if len(args) != 0 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		cmd.Kind = CmdResume

	case "help":
		cmd.Kind = CmdHelp
		if len(args) > 1 {
			return Command{Kind: CmdUnknown, Raw: text}
		}
		if len(args) == 1 {
			cmd.Target = strings.ToLower(args[0])
		}
	}
	return cmd
}

// HistoryEntry is one audited command.
type HistoryEntry struct {
	Command Command
	Allowed bool
	At      time.Time
}

const historyCap = 50

// Interpreter authorizes commands and keeps per-user history.
type Interpreter struct {
	cfg *config.Config
	clk clock.Clock

	mu      sync.Mutex
	history map[string][]HistoryEntry
}

// NewInterpreter creates the interpreter.
func NewInterpreter(cfg *config.Config, clk clock.Clock) *Interpreter {
	return &Interpreter{cfg: cfg, clk: clk, history: make(map[string][]HistoryEntry)}
}

// Authorize checks role and feature gates for a parsed command.
func (i *Interpreter) Authorize(cmd Command, username string) error {
	switch cmd.Kind {
	case CmdSet:
		if !i.cfg.IsAdmin(username) {
			return fmt.Errorf("/set requires the ADMIN role")
		}
	case CmdStealth:
		if !i.cfg.StealthEnabled {
			return fmt.Errorf("stealth commands are disabled")
		}
	case CmdReplay:
		if !i.cfg.ReplayEnabled {
			return fmt.Errorf("replay commands are disabled")
		}
	}
	return nil
}

// Record appends to the user's bounded history.
func (i *Interpreter) Record(username string, cmd Command, allowed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	h := append(i.history[username], HistoryEntry{Command: cmd, Allowed: allowed, At: i.clk.Now()})
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	i.history[username] = h
}

// History returns a copy of the user's recorded commands, oldest first.
func (i *Interpreter) History(username string) []HistoryEntry {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]HistoryEntry(nil), i.history[username]...)
}

// HelpText is the /help reply, optionally narrowed to one topic.
func HelpText(topic string) string {
	topics := map[string]string{
		"status":  "/status [SYMBOL|PROVIDER] - engine and position overview",
		"replay":  "/replay SYMBOL [N|last] - re-run recent signals for a symbol",
		"stealth": "/stealth on|off - toggle lot randomization",
		"enable":  "/enable SYMBOL|PROVIDER|all - accept signals again",
		"disable": "/disable SYMBOL|PROVIDER|all - stop accepting signals",
		"set":     "/set TARGET PARAM VALUE - change a runtime parameter (admin)",
		"get":     "/get TARGET [PARAM] - read runtime parameters",
		"pause":   "/pause - stop executing new signals",
		"resume":  "/resume - resume execution",
	}
	if t, ok := topics[topic]; ok {
		return t
	}
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, k := range []string{"status", "replay", "stealth", "enable", "disable", "set", "get", "pause", "resume"} {
		b.WriteString(topics[k])
		b.WriteByte('\n')
	}
	return b.String()
}
