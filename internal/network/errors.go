package network

import (
	"github.com/cockroachdb/errors"
)

// Stage 表示连接处理链路中的阶段。
//
// 主要用于在日志与监控中标记错误发生的位置。
type Stage string

const (
	StageUpgrade   Stage = "upgrade"   // HTTP -> WebSocket 升级
	StageAuthorize Stage = "authorize" // 握手参数校验与成员鉴权
	StageJoin      Stage = "join"      // 加入文档房间
	StageCatchUp   Stage = "catch_up"  // 计算并下发补齐增量
	StageRecv      Stage = "recv"      // 读取客户端帧
	StageApply     Stage = "apply"     // 合并客户端更新
	StageBroadcast Stage = "broadcast" // 本地房间广播
	StagePublish   Stage = "publish"   // 跨实例总线发布
	StageSend      Stage = "send"      // 写出到客户端
	StagePersist   Stage = "persist"   // 快照持久化
)

func (s Stage) String() string {
	return string(s)
}

// StageError 为携带阶段信息的错误。
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// WrapStage 为 err 标记阶段，err 为 nil 时返回 nil。
func WrapStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf 返回 err 链上最近一次标记的阶段，没有时返回空字符串。
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
