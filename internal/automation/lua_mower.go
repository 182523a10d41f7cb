//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"mower-go-home/internal/mower"
)

// registerMowerModule registers the `mower` global table in a Lua state.
func registerMowerModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return mowerOn(L, vm)
	}))

	mod.RawSetString("start", L.NewFunction(func(L *lua.LState) int {
		return mowerSimpleCommand(L, e, mower.CommandStart)
	}))

	mod.RawSetString("stop", L.NewFunction(func(L *lua.LState) int {
		return mowerSimpleCommand(L, e, mower.CommandStop)
	}))

	mod.RawSetString("home", L.NewFunction(func(L *lua.LState) int {
		return mowerSimpleCommand(L, e, mower.CommandHome)
	}))

	mod.RawSetString("send_command", L.NewFunction(func(L *lua.LState) int {
		serial := L.CheckString(1)
		code := L.CheckInt(2)
		return mowerSimpleCommandTo(L, e, serial, code)
	}))

	mod.RawSetString("edge_cut", L.NewFunction(func(L *lua.LState) int {
		return mowerEdgeCut(L, e)
	}))

	mod.RawSetString("party", L.NewFunction(func(L *lua.LState) int {
		return mowerParty(L, e)
	}))

	mod.RawSetString("zones", L.NewFunction(func(L *lua.LState) int {
		return mowerZones(L, e)
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return mowerGet(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return mowerDevices(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return mowerAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return mowerLog(L, e)
	}))

	L.SetGlobal("mower", mod)
}

const maxHandlersPerScript = 100

// mower.on(type, filter, callback)
func mowerOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("serial"); v != lua.LNil {
		h.serial = v.String()
	}
	if v := filterTable.RawGetString("field"); v != lua.LNil {
		h.field = v.String()
	}
	if v := filterTable.RawGetString("status"); v != lua.LNil {
		h.status = v.String()
	}
	if v := filterTable.RawGetString("error"); v != lua.LNil {
		h.errorCode = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// mower.start/stop/home(serial)
func mowerSimpleCommand(L *lua.LState, e *Engine, code int) int {
	serial := L.CheckString(1)
	return mowerSimpleCommandTo(L, e, serial, code)
}

func mowerSimpleCommandTo(_ *lua.LState, e *Engine, serial string, code int) int {
	if e.commander == nil {
		e.logger.Warn("command ignored: no cloud fleet configured", "serial", serial)
		return 0
	}
	if err := e.commander.SendCommand(serial, code); err != nil {
		e.logger.Error("script command failed", "serial", serial, "code", code, "err", err)
	}
	return 0
}

// mower.edge_cut(serial)
func mowerEdgeCut(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	if e.commander == nil {
		return 0
	}
	if err := e.commander.SendEdgeCut(serial); err != nil {
		e.logger.Error("script edge cut failed", "serial", serial, "err", err)
	}
	return 0
}

// mower.party(serial, enabled)
func mowerParty(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	on := L.CheckBool(2)
	if e.commander == nil {
		return 0
	}
	if err := e.commander.SendPartyMode(serial, on); err != nil {
		e.logger.Error("script party mode failed", "serial", serial, "err", err)
	}
	return 0
}

// mower.zones(serial, {25, 25, 25, 25})
func mowerZones(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	tbl := L.CheckTable(2)

	var percents []int
	tbl.ForEach(func(_, v lua.LValue) {
		if n, ok := v.(lua.LNumber); ok {
			percents = append(percents, int(n))
		}
	})

	if e.commander == nil {
		return 0
	}
	if err := e.commander.SendZonePercentages(serial, percents); err != nil {
		e.logger.Error("script zones failed", "serial", serial, "err", err)
	}
	return 0
}

// mower.get(serial, field) — reads last persisted state; the special
// fields "status", "error" and "online" return the snapshot columns.
func mowerGet(L *lua.LState, e *Engine) int {
	serial := L.CheckString(1)
	field := L.CheckString(2)

	dev, err := e.st.GetDevice(serial)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}

	switch field {
	case "status":
		L.Push(lua.LString(dev.Status))
	case "error":
		L.Push(lua.LString(dev.Error))
	case "online":
		L.Push(lua.LBool(dev.Online))
	default:
		if v, ok := dev.Values[field]; ok {
			L.Push(lua.LNumber(v))
		} else {
			L.Push(lua.LNil)
		}
	}
	return 1
}

// mower.devices() — returns a table of all known mowers
func mowerDevices(L *lua.LState, e *Engine) int {
	devices, err := e.st.ListDevices()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("serial", lua.LString(dev.Serial))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("source", lua.LString(dev.Source))
		d.RawSetString("status", lua.LString(dev.Status))
		d.RawSetString("online", lua.LBool(dev.Online))
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}

// mower.after(seconds, callback) — delayed execution
func mowerAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// mower.log(msg)
func mowerLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}
