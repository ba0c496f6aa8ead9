// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package job

// State Job 状态；数值有序以支持 "state >= X AND state < Y" 范围查询
type State int

const (
	StateSubmitted State = iota
	StateReadyForScheduling
	StateScheduled
	StateRunning
	StateFinished
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "SUBMITTED"
	case StateReadyForScheduling:
		return "READY_FOR_SCHEDULING"
	case StateScheduled:
		return "SCHEDULED"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseState 字符串转 State
func ParseState(s string) (State, bool) {
	for st := StateSubmitted; st <= StateCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// IsFinal 终态：FINISHED / FAILED / CANCELLED
func (s State) IsFinal() bool {
	return s >= StateFinished
}

// IsDispatched 已派发到 workflow engine：SCHEDULED / RUNNING
func (s State) IsDispatched() bool {
	return s == StateScheduled || s == StateRunning
}

// IsAdmitted 已占用预算：[READY_FOR_SCHEDULING, FINISHED)
func (s State) IsAdmitted() bool {
	return s >= StateReadyForScheduling && s < StateFinished
}

// transitions 前向迁移表。孤儿重置（SCHEDULED/RUNNING -> SUBMITTED）不在表内，只能经 ResetJobToSubmitted
var transitions = map[State][]State{
	StateSubmitted:          {StateReadyForScheduling, StateCancelled},
	StateReadyForScheduling: {StateScheduled, StateCancelled},
	StateScheduled:          {StateRunning, StateFinished, StateFailed, StateCancelled},
	StateRunning:            {StateFinished, StateFailed, StateCancelled},
}

// CanTransition 报告 from -> to 是否为合法前向迁移
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanReset 报告是否可做孤儿重置
func CanReset(from State) bool {
	return from.IsDispatched()
}
