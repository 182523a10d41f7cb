//go:build !no_automation

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig gates what scripts may run on the host.
type SystemConfig struct {
	ExecAllowlist []string      // absolute binary paths scripts may exec
	ExecTimeout   time.Duration // per-exec deadline, 10s when zero
}

// TelegramConfig carries the notification bot credentials.
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
}

const (
	defaultExecTimeout = 10 * time.Second
	execOutputLimit    = 64 * 1024
	telegramTimeout    = 10 * time.Second
)

// registerSystemModule exposes the `system` table: clock access for
// schedule-style conditions, leveled logging, and the exec escape hatch.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L)
	}))

	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, e)
	}))

	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return systemExec(L, e)
	}))

	L.SetGlobal("system", mod)
}

// registerTelegramModule exposes `telegram.send`.
func registerTelegramModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return telegramSend(L, e)
	}))

	L.SetGlobal("telegram", mod)
}

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) — half-open hour range; from > to
// wraps past midnight (22, 6 means night).
func systemTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := time.Now().Hour()

	var in bool
	if from <= to {
		in = hour >= from && hour < to
	} else {
		in = hour >= from || hour < to
	}

	L.Push(lua.LBool(in))
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

// system.exec(cmd) runs an allowlisted binary and returns its stdout, or an
// empty string when the command is blocked or fails. Scripts never see the
// failure reason; that goes to the log.
func systemExec(L *lua.LState, e *Engine) int {
	cmdStr := L.CheckString(1)

	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary := parts[0]

	if !filepath.IsAbs(binary) || !execAllowed(e.systemCfg.ExecAllowlist, binary) {
		e.logger.Warn("exec blocked", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, parts[1:]...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			e.logger.Warn("exec timeout", "cmd", binary, "timeout", timeout)
		} else {
			e.logger.Warn("exec failed", "cmd", binary, "err", err)
		}
		L.Push(lua.LString(""))
		return 1
	}

	if len(stdout) > execOutputLimit {
		stdout = stdout[:execOutputLimit]
	}
	L.Push(lua.LString(string(stdout)))
	return 1
}

func execAllowed(allowlist []string, binary string) bool {
	for _, a := range allowlist {
		if a == binary {
			return true
		}
	}
	return false
}

// telegram.send(msg) notifies every configured chat, fire-and-forget.
func telegramSend(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)

	if e.telegramCfg.BotToken == "" || len(e.telegramCfg.ChatIDs) == 0 {
		e.logger.Warn("telegram.send: bot not configured")
		return 0
	}

	url := "https://api.telegram.org/bot" + e.telegramCfg.BotToken + "/sendMessage"
	for _, chatID := range e.telegramCfg.ChatIDs {
		go func(cid string) {
			body, err := json.Marshal(map[string]string{"chat_id": cid, "text": msg})
			if err != nil {
				return
			}
			client := &http.Client{Timeout: telegramTimeout}
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				e.logger.Error("telegram send", "err", err, "chat_id", cid)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				e.logger.Warn("telegram send rejected", "status", resp.StatusCode, "chat_id", cid)
			}
		}(chatID)
	}

	return 0
}
