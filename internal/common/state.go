package common

import "fmt"

// State 是会话状态机的状态
type State int32

const (
	StateIdle State = iota
	StateAwaitingSyncAck
	StateRoundReady
	StateRoundInFlight
	StateRoundReceived
	StateComplete
	StateClosed
)

var stateNames = [...]string{
	StateIdle:            "Idle",
	StateAwaitingSyncAck: "AwaitingSyncAck",
	StateRoundReady:      "RoundReady",
	StateRoundInFlight:   "RoundInFlight",
	StateRoundReceived:   "RoundReceived",
	StateComplete:        "Complete",
	StateClosed:          "Closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// allowed 列出合法的状态转换，任何状态都可以转到 Closed
var allowed = map[State][]State{
	StateIdle:            {StateAwaitingSyncAck},
	StateAwaitingSyncAck: {StateRoundReady},
	StateRoundReady:      {StateRoundInFlight, StateComplete},
	StateRoundInFlight:   {StateRoundReceived},
	StateRoundReceived:   {StateRoundReady, StateComplete},
	StateComplete:        {},
}

// CanTransition 判断 from 到 to 的状态转换是否合法
func CanTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
