package sharedmap

import (
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrhy/sharedmap/opstore"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/leanovate/gopter/gen"
	"github.com/stretchr/testify/assert"
)

type expected struct {
	entries map[string]string
}

type system struct {
	persist  opstore.Persist
	store    *opstore.Store
	m        *Map
	cmdCount int
}

const (
	uimax    = 99_999
	keySpace = 40
)

var (
	cmdCount    = 0
	reopenCount = 0
	debug       = false
)

func progress(i interface{}) {
	if debug {
		fmt.Printf("%v\n", i)
	}
}

func keyFor(value uint) string {
	return fmt.Sprintf("k%d", value%keySpace)
}

func valueFor(value uint) string {
	return fmt.Sprintf("v%d", value)
}

func fail(format string, args ...interface{}) *gopter.PropResult {
	fmt.Printf(format+"\n", args...)
	return &gopter.PropResult{Status: gopter.PropFalse}
}

func pass(i interface{}) *gopter.PropResult {
	progress(i)
	return &gopter.PropResult{Status: gopter.PropTrue}
}

func newSystem(entries map[string]string) (*system, error) {
	s := &system{persist: opstore.NewInMemoryPersist()}
	s.store = opstore.New(&opstore.Config{Replica: "exerciser", Persist: s.persist})
	m, err := Root(ctx, s.store, "test")
	if err != nil {
		s.store.Close()
		return nil, err
	}
	s.m = m
	for k, v := range entries {
		if _, err := m.Set(k, v); err != nil {
			s.store.Close()
			return nil, err
		}
	}
	return s, nil
}

var LenCommand = &commands.ProtoCommand{
	Name: "Len",
	RunFunc: func(s commands.SystemUnderTest) commands.Result {
		s.(*system).cmdCount++
		return s.(*system).m.Len()
	},
	NextStateFunc:    func(state commands.State) commands.State { return state },
	PreConditionFunc: func(state commands.State) bool { return true },
	PostConditionFunc: func(state commands.State, result commands.Result) *gopter.PropResult {
		if len(state.(*expected).entries) != result.(int) {
			return fail("lenPostCondition: expected=%d, actual=%d", len(state.(*expected).entries), result.(int))
		}
		return pass("Len")
	},
}

var KeysCommand = &commands.ProtoCommand{
	Name: "Keys",
	RunFunc: func(s commands.SystemUnderTest) commands.Result {
		s.(*system).cmdCount++
		return s.(*system).m.Keys()
	},
	NextStateFunc:    func(state commands.State) commands.State { return state },
	PreConditionFunc: func(state commands.State) bool { return true },
	PostConditionFunc: func(state commands.State, result commands.Result) *gopter.PropResult {
		var keys []string
		for k := range state.(*expected).entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if diff := cmp.Diff(keys, result.([]string)); diff != "" {
			return fail("keysPostCondition (-expected +actual):\n%s", diff)
		}
		return pass("Keys")
	},
}

// SyncCommand waits for the store to confirm every outstanding write, which
// must not change what the map shows.
var SyncCommand = &commands.ProtoCommand{
	Name: "Sync",
	RunFunc: func(s commands.SystemUnderTest) commands.Result {
		if err := s.(*system).store.Sync(ctx); err != nil {
			return err
		}
		s.(*system).cmdCount++
		return s.(*system).m.Primitives()
	},
	NextStateFunc:    func(state commands.State) commands.State { return state },
	PreConditionFunc: func(state commands.State) bool { return true },
	PostConditionFunc: func(state commands.State, result commands.Result) *gopter.PropResult {
		if err, ok := result.(error); ok {
			return fail("syncPostCondition: %v", err)
		}
		return checkPrimitives("Sync", state, result)
	},
}

// ReopenCommand snapshots the store, closes it and rebuilds the map from
// the persisted log.
var ReopenCommand = &commands.ProtoCommand{
	Name: "Reopen",
	RunFunc: func(sut commands.SystemUnderTest) commands.Result {
		s := sut.(*system)
		if err := s.store.Sync(ctx); err != nil {
			return err
		}
		root, err := s.store.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		s.store.Close()
		store, err := opstore.Open(ctx, root, &opstore.Config{Persist: s.persist})
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		m, err := Root(ctx, store, "test")
		if err != nil {
			store.Close()
			return fmt.Errorf("root: %w", err)
		}
		s.store, s.m = store, m
		s.cmdCount++
		reopenCount++
		return m.Primitives()
	},
	NextStateFunc:    func(state commands.State) commands.State { return state },
	PreConditionFunc: func(state commands.State) bool { return true },
	PostConditionFunc: func(state commands.State, result commands.Result) *gopter.PropResult {
		if err, ok := result.(error); ok {
			return fail("reopenPostCondition: %v", err)
		}
		return checkPrimitives("Reopen", state, result)
	},
}

func checkPrimitives(name string, state commands.State, result commands.Result) *gopter.PropResult {
	want := map[string]interface{}{}
	for k, v := range state.(*expected).entries {
		want[k] = v
	}
	if diff := cmp.Diff(want, result.(map[string]interface{})); diff != "" {
		return fail("%s: contents differ (-expected +actual):\n%s", name, diff)
	}
	return pass(name)
}

type getResult struct {
	value interface{}
	err   error
}

type getCommand uint

func (value getCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).cmdCount++
	fut, err := s.(*system).m.Get(keyFor(uint(value)))
	if err != nil {
		return getResult{err: err}
	}
	v, err := fut.Await(ctx)
	return getResult{v, err}
}

func (value getCommand) NextState(state commands.State) commands.State {
	return state
}

func (value getCommand) PreCondition(state commands.State) bool {
	return true
}

func (value getCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	r := result.(getResult)
	if r.err != nil {
		return fail("getPostCondition: (key=%s) %v", keyFor(uint(value)), r.err)
	}
	expected, ok := state.(*expected).entries[keyFor(uint(value))]
	if !ok && r.value == nil || ok && r.value == expected {
		return pass(value)
	}
	if !ok {
		return fail("getPostCondition: (key=%s) expected=!ok actual=%v", keyFor(uint(value)), r.value)
	}
	return fail("getPostCondition: (key=%s) expected=%v actual=%T %v", keyFor(uint(value)), expected, r.value, r.value)
}

func (value getCommand) String() string {
	return fmt.Sprintf("Get(%s)", keyFor(uint(value)))
}

var genGet = uintCommandGen(
	func(value uint) commands.Command { return getCommand(value) },
	func(command interface{}) uint { return uint(command.(getCommand)) })

type deleteCommand uint

func (value deleteCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).cmdCount++
	return s.(*system).m.Delete(keyFor(uint(value)))
}

func (value deleteCommand) NextState(state commands.State) commands.State {
	delete(state.(*expected).entries, keyFor(uint(value)))
	return state
}

func (value deleteCommand) PreCondition(state commands.State) bool {
	_, present := state.(*expected).entries[keyFor(uint(value))]
	return present
}

func (value deleteCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	if result != nil {
		return fail("deletePostCondition: %v", result)
	}
	return pass(value)
}

func (value deleteCommand) String() string {
	return fmt.Sprintf("Delete(%s)", keyFor(uint(value)))
}

var genDelete = uintCommandGen(
	func(value uint) commands.Command { return deleteCommand(value) },
	func(command interface{}) uint { return uint(command.(deleteCommand)) })

// deleteAbsentCommand deletes a key that holds nothing, which must be a
// no-op.
type deleteAbsentCommand uint

func (value deleteAbsentCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).cmdCount++
	return s.(*system).m.Delete(keyFor(uint(value)))
}

func (value deleteAbsentCommand) NextState(state commands.State) commands.State {
	return state
}

func (value deleteAbsentCommand) PreCondition(state commands.State) bool {
	_, present := state.(*expected).entries[keyFor(uint(value))]
	return !present
}

func (value deleteAbsentCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	if result != nil {
		return fail("deleteAbsentPostCondition: %v", result)
	}
	return pass(value)
}

func (value deleteAbsentCommand) String() string {
	return fmt.Sprintf("DeleteAbsent(%s)", keyFor(uint(value)))
}

var genDeleteAbsent = uintCommandGen(
	func(value uint) commands.Command { return deleteAbsentCommand(value) },
	func(command interface{}) uint { return uint(command.(deleteAbsentCommand)) })

type setCommand uint

func (value setCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).cmdCount++
	fut, err := s.(*system).m.Set(keyFor(uint(value)), valueFor(uint(value)))
	if err != nil {
		return err
	}
	if _, err := fut.Await(ctx); err != nil {
		return err
	}
	return nil
}

func (value setCommand) NextState(state commands.State) commands.State {
	state.(*expected).entries[keyFor(uint(value))] = valueFor(uint(value))
	return state
}

func (value setCommand) PreCondition(state commands.State) bool {
	return true
}

func (value setCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	if result != nil {
		return fail("setPostCondition: %v", result)
	}
	return pass(value)
}

func (value setCommand) String() string {
	return fmt.Sprintf("Set(%s,%s)", keyFor(uint(value)), valueFor(uint(value)))
}

var genSet = uintCommandGen(
	func(value uint) commands.Command { return setCommand(value) },
	func(command interface{}) uint { return uint(command.(setCommand)) })

func uintCommandGen(toCommand func(uint) commands.Command, fromCommand func(interface{}) uint) gopter.Gen {
	return gen.UIntRange(0, uimax).Map(func(value uint) commands.Command {
		return toCommand(value)
	}).WithShrinker(func(v interface{}) gopter.Shrink {
		return gen.UIntShrinker(fromCommand(v)).Map(func(value uint) commands.Command {
			return toCommand(value)
		})
	})
}

var mapCommands = &commands.ProtoCommands{
	NewSystemUnderTestFunc: func(initialState commands.State) commands.SystemUnderTest {
		s, err := newSystem(initialState.(*expected).entries)
		if err != nil {
			panic(err)
		}
		progress("NewSystem")
		return s
	},
	DestroySystemUnderTestFunc: func(s commands.SystemUnderTest) {
		s.(*system).store.Close()
		cmdCount += s.(*system).cmdCount
	},
	InitialStateGen: gen.MapOf(gen.UIntRange(0, uimax), gen.UIntRange(0, uimax)).Map(func(entries map[uint]uint) *expected {
		e := &expected{entries: map[string]string{}}
		for k, v := range entries {
			e.entries[keyFor(k)] = valueFor(v)
		}
		return e
	}),
	InitialPreConditionFunc: func(state commands.State) bool {
		_ = state.(*expected)
		return true
	},
	GenCommandFunc: func(state commands.State) gopter.Gen {
		return gen.Weighted(
			[]gen.WeightedGen{
				{Weight: 100, Gen: genDelete},
				{Weight: 10, Gen: genDeleteAbsent},
				{Weight: 100, Gen: genGet},
				{Weight: 200, Gen: genSet},
				{Weight: 5, Gen: gen.Const(ReopenCommand)},
				{Weight: 10, Gen: gen.Const(SyncCommand)},
				{Weight: 50, Gen: gen.Const(LenCommand)},
				{Weight: 20, Gen: gen.Const(KeysCommand)},
			},
		)
	},
}

func TestExerciser(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	if !testing.Short() {
		parameters.MaxSize = 256
	}
	properties := gopter.NewProperties(parameters)
	properties.Property("map exerciser", commands.Prop(mapCommands))
	properties.TestingRun(t)
	if !t.Failed() {
		assert.Greater(t, reopenCount, 0)
		fmt.Printf("successful commands: %d\n", cmdCount)
	}
}
