package module

import (
	"fmt"

	"github.com/Shopify/go-lua"

	"github.com/louisbranch/gametrack/internal/decode"
	"github.com/louisbranch/gametrack/internal/objective"
)

// Update is one (objective, state) pair emitted by a dispatch call via
// set_objective_state, in call order.
type Update struct {
	ID    string
	State objective.State
}

const (
	snapshotTypeName = "gametrack.snapshot"
	watchTableKey    = "gametrack.watches"
)

// sandbox hosts a module's watcher script. The script sees exactly the
// capability set below: snapshot field accessors, the test_bit helper,
// set_objective_state as the sole effect primitive, and add_mem_watch at
// load time only. The base library's loaders are stripped so the script
// cannot reach the filesystem or pull in more code.
type sandbox struct {
	l          *lua.State
	loaded     bool
	pending    []Watch
	collecting *[]Update
}

func loadSandbox(scriptPath string) (*sandbox, []Watch, error) {
	l := lua.NewState()
	lua.Require(l, "_G", lua.BaseOpen, true)
	l.Pop(1)
	lua.Require(l, "math", lua.MathOpen, true)
	l.Pop(1)
	lua.Require(l, "string", lua.StringOpen, true)
	l.Pop(1)
	for _, name := range []string{"dofile", "loadfile", "load"} {
		l.PushNil()
		l.SetGlobal(name)
	}

	registerSnapshotType(l)

	// Watch callbacks live in the registry, out of the script's reach.
	l.NewTable()
	l.SetField(lua.RegistryIndex, watchTableKey)

	sb := &sandbox{l: l}
	l.Register("add_mem_watch", sb.addMemWatch)
	l.Register("set_objective_state", sb.setObjectiveState)
	l.Register("test_bit", testBit)

	for name, state := range map[string]objective.State{
		"OBJECTIVE_LOCKED":   objective.Locked,
		"OBJECTIVE_UNLOCKED": objective.Unlocked,
		"OBJECTIVE_COMPLETE": objective.Complete,
	} {
		l.PushInteger(int(state))
		l.SetGlobal(name)
	}

	if err := lua.LoadFile(l, scriptPath, ""); err != nil {
		l.SetTop(0)
		return nil, nil, fmt.Errorf("load watcher script: %w", err)
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		l.SetTop(0)
		return nil, nil, fmt.Errorf("run watcher script: %w", err)
	}
	sb.loaded = true

	return sb, sb.pending, nil
}

func (sb *sandbox) addMemWatch(l *lua.State) int {
	if sb.loaded {
		lua.Errorf(l, "add_mem_watch is only available during module load")
		return 0
	}
	address := lua.CheckInteger(l, 1)
	length := lua.CheckInteger(l, 2)
	lua.CheckType(l, 3, lua.TypeFunction)
	if address < 0 {
		lua.ArgumentError(l, 1, "address must not be negative")
		return 0
	}
	if length <= 0 {
		lua.ArgumentError(l, 2, "length must be positive")
		return 0
	}

	l.Field(lua.RegistryIndex, watchTableKey)
	l.PushValue(3)
	l.RawSetInt(-2, len(sb.pending)+1)
	l.Pop(1)

	sb.pending = append(sb.pending, Watch{Address: uint32(address), Length: length})
	return 0
}

func (sb *sandbox) setObjectiveState(l *lua.State) int {
	id := lua.CheckString(l, 1)
	value := lua.CheckInteger(l, 2)
	if sb.collecting == nil {
		lua.Errorf(l, "set_objective_state is only available inside a watch dispatch")
		return 0
	}
	state := objective.State(value)
	if !state.Valid() {
		lua.ArgumentError(l, 2, "expected OBJECTIVE_LOCKED, OBJECTIVE_UNLOCKED or OBJECTIVE_COMPLETE")
		return 0
	}
	*sb.collecting = append(*sb.collecting, Update{ID: id, State: state})
	return 0
}

func (sb *sandbox) dispatch(i int, data []byte) ([]Update, error) {
	var collected []Update
	sb.collecting = &collected
	defer func() { sb.collecting = nil }()

	l := sb.l
	l.Field(lua.RegistryIndex, watchTableKey)
	l.RawGetInt(-1, i+1)
	l.PushUserData(&snapshotData{data: data})
	lua.SetMetaTableNamed(l, snapshotTypeName)
	err := l.ProtectedCall(1, 0, 0)
	l.SetTop(0)
	if err != nil {
		return nil, fmt.Errorf("watch %d dispatch: %w", i, err)
	}
	return collected, nil
}

// snapshotData wraps one poll's bytes for the accessor methods. It is
// ephemeral; the script must not retain it past the dispatch call.
type snapshotData struct {
	data []byte
}

func registerSnapshotType(l *lua.State) {
	lua.NewMetaTable(l, snapshotTypeName)
	l.NewTable()
	lua.SetFunctions(l, snapshotMethods, 0)
	l.SetField(-2, "__index")
	l.Pop(1)
}

var snapshotMethods = []lua.RegistryFunction{
	{Name: "get_u8", Function: snapshotGetter(decode.U8)},
	{Name: "get_u16", Function: snapshotGetter(decode.U16)},
	{Name: "get_u24", Function: snapshotGetter(decode.U24)},
	{Name: "get_u32", Function: snapshotGetter(decode.U32)},
	{Name: "len", Function: snapshotLen},
}

func snapshotGetter(read func([]byte, int) (uint32, error)) lua.Function {
	return func(l *lua.State) int {
		snap := checkSnapshot(l)
		offset := lua.CheckInteger(l, 2)
		value, err := read(snap.data, offset)
		if err != nil {
			lua.Errorf(l, "%s", err.Error())
			return 0
		}
		l.PushInteger(int(value))
		return 1
	}
}

func snapshotLen(l *lua.State) int {
	snap := checkSnapshot(l)
	l.PushInteger(len(snap.data))
	return 1
}

func checkSnapshot(l *lua.State) *snapshotData {
	ud := lua.CheckUserData(l, 1, snapshotTypeName)
	if snap, ok := ud.(*snapshotData); ok && snap != nil {
		return snap
	}
	lua.ArgumentError(l, 1, "snapshot expected")
	return nil
}

func testBit(l *lua.State) int {
	value := lua.CheckInteger(l, 1)
	bit := lua.CheckInteger(l, 2)
	l.PushBoolean(decode.Bit(uint32(value), bit))
	return 1
}
