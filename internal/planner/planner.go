// Package planner partitions renderable units into sub-batches that a
// batched synthesizer call can process without blowing memory or wasting
// padding on wildly uneven text lengths.
package planner

import (
	"sort"
	"unicode/utf8"

	"github.com/versofon/verso-core/internal/store"
	"github.com/versofon/verso-core/internal/voice"
)

// Constraints bound a single sub-batch.
type Constraints struct {
	// MinSubBatchSize is how many members a sub-batch collects before the
	// length-ratio rule may close it.
	MinSubBatchSize int
	// MaxLengthRatio closes a batch when the next text is more than this
	// many times longer than the batch's shortest member.
	MaxLengthRatio float64
	// MaxCharsPerBatch closes a batch when cumulative characters exceed
	// it, regardless of member count.
	MaxCharsPerBatch int
	// MaxItems caps members per sub-batch. Zero means unlimited.
	MaxItems int
}

// SubBatch is one planned group of unit indices, ordered by ascending
// text length.
type SubBatch struct {
	Members    []int
	TotalChars int
	MinLen     int
	MaxLen     int
}

// Plan splits units into sub-batches plus a sequential list. Designed
// voices cannot share a batched call, and speakers without a voice config
// would poison a whole sub-batch, so both render one at a time. Units are
// sorted by text length ascending (ties by index) before the greedy walk;
// split rules are checked in order: item cap, char cap always, length
// ratio only once MinSubBatchSize members are collected.
func Plan(units []store.Unit, voices map[string]voice.Config, c Constraints) ([]SubBatch, []int) {
	var batchable []store.Unit
	var sequential []int
	for _, u := range units {
		cfg, ok := voices[u.Speaker]
		if !ok || cfg.IdentityMode == voice.ModeDesigned {
			sequential = append(sequential, u.Index)
			continue
		}
		batchable = append(batchable, u)
	}
	if len(batchable) == 0 {
		return nil, sequential
	}

	sort.Slice(batchable, func(i, j int) bool {
		li, lj := textLen(batchable[i]), textLen(batchable[j])
		if li != lj {
			return li < lj
		}
		return batchable[i].Index < batchable[j].Index
	})

	var batches []SubBatch
	start := 0
	chars := textLen(batchable[0])

	for i := 1; i < len(batchable); i++ {
		shortest := textLen(batchable[start])
		if shortest < 1 {
			shortest = 1
		}
		length := textLen(batchable[i])
		chars += length

		split := false
		switch {
		case c.MaxItems > 0 && i-start >= c.MaxItems:
			split = true
		case c.MaxCharsPerBatch > 0 && chars > c.MaxCharsPerBatch:
			split = true
		case i-start >= c.MinSubBatchSize:
			if float64(length) > c.MaxLengthRatio*float64(shortest) {
				split = true
			}
		}

		if split {
			batches = append(batches, makeBatch(batchable[start:i]))
			start = i
			chars = length
		}
	}
	batches = append(batches, makeBatch(batchable[start:]))

	return batches, sequential
}

func makeBatch(units []store.Unit) SubBatch {
	b := SubBatch{Members: make([]int, 0, len(units))}
	for i, u := range units {
		length := textLen(u)
		b.Members = append(b.Members, u.Index)
		b.TotalChars += length
		if i == 0 || length < b.MinLen {
			b.MinLen = length
		}
		if length > b.MaxLen {
			b.MaxLen = length
		}
	}
	return b
}

func textLen(u store.Unit) int {
	return utf8.RuneCountInString(u.Text)
}
