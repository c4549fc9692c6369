package collab

import (
	"go.uber.org/atomic"
)

// State 为连接的生命周期状态。
type State int32

const (
	StateConnecting State = iota
	StateAuthorized
	StateActive
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting: "CONNECTING",
	StateAuthorized: "AUTHORIZED",
	StateActive:     "ACTIVE",
	StateClosed:     "CLOSED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// stateMachine 只允许 CONNECTING -> AUTHORIZED -> ACTIVE 前进，任意状态都可以进入 CLOSED。
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Load() State {
	return State(m.v.Load())
}

// Advance 从 from 迁移到 to，当前状态不是 from 时返回 false。
func (m *stateMachine) Advance(from, to State) bool {
	if to != from+1 || to == StateClosed {
		return false
	}
	return m.v.CompareAndSwap(int32(from), int32(to))
}

// Close 进入 CLOSED，返回调用前是否尚未关闭。
func (m *stateMachine) Close() bool {
	return State(m.v.Swap(int32(StateClosed))) != StateClosed
}
