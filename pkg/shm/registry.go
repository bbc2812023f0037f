package shm

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// lineages counts the attached lineages of this process per key.
var lineages = cmap.New[int]()

func track(key string) {
	lineages.Upsert(key, 1, func(exist bool, cur, n int) int {
		if exist {
			return cur + n
		}
		return n
	})
}

func untrack(key string) {
	lineages.Upsert(key, -1, func(exist bool, cur, n int) int {
		if exist {
			return cur + n
		}
		return 0
	})
	lineages.RemoveCb(key, func(_ string, v int, exists bool) bool {
		return exists && v <= 0
	})
}

// Live returns, per key, the number of lineages this process has attached.
func Live() map[string]int {
	return lineages.Items()
}

// LiveCount returns the total number of lineages this process has attached.
func LiveCount() int {
	n := 0
	for item := range lineages.IterBuffered() {
		n += item.Val
	}
	return n
}
