// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// repository 实现负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突：带状态守卫的 UPDATE 未命中预期状态
	// （单写者纪律的底层信号，调用方据此判定 TerminalBusy / 幂等 no-op）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrInsufficientBalance 预付余额不足（守卫扣减未命中）
	ErrInsufficientBalance = errors.New("insufficient balance")
)
