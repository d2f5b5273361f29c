package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyContent はコンテンツが空の場合に返されます
	ErrEmptyContent = errors.New("empty content")

	// ErrInvalidConfig は設定が不正な場合に返されます
	ErrInvalidConfig = errors.New("invalid chunker config")
)

// ChunkerError はチャンク化固有のエラーを表します
type ChunkerError struct {
	Op  string
	Err error
}

func (e *ChunkerError) Error() string {
	return fmt.Sprintf("chunker: %s: %s", e.Op, e.Err)
}

func (e *ChunkerError) Unwrap() error {
	return e.Err
}
