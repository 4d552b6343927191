package core

import "github.com/filetask/docchat/internal/store"

// LargeFileThreshold is the largest size, in bytes, still handled by the
// small-document service.
const LargeFileThreshold int64 = 20 * 1024 * 1024

// Classify picks the strategy for a file of the given size.
func Classify(size int64) store.Strategy {
	if size > LargeFileThreshold {
		return store.StrategyLarge
	}
	return store.StrategySmall
}
