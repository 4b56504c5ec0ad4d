package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type decisionKey struct {
	outcome string
	code    string
}

type decisions struct {
	mu     sync.Mutex
	counts map[decisionKey]uint64
}

var decisionCollector = &decisions{
	counts: make(map[decisionKey]uint64),
}

// ObserveDecision records the outcome of one authorization decision.
// For rejections the error code identifies the rejection reason.
func ObserveDecision(outcome, code string) {
	decisionCollector.mu.Lock()
	defer decisionCollector.mu.Unlock()
	decisionCollector.counts[decisionKey{outcome: outcome, code: code}]++
}

func (d *decisions) render() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	type metric struct {
		decisionKey
		value uint64
	}
	all := make([]metric, 0, len(d.counts))
	for key, value := range d.counts {
		all = append(all, metric{decisionKey: key, value: value})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].outcome == all[j].outcome {
			return all[i].code < all[j].code
		}
		return all[i].outcome < all[j].outcome
	})

	var builder strings.Builder
	builder.WriteString("# HELP custody_decisions_total Total number of batch authorization decisions by outcome.\n")
	builder.WriteString("# TYPE custody_decisions_total counter\n")
	for _, m := range all {
		builder.WriteString(fmt.Sprintf("custody_decisions_total{outcome=\"%s\",code=\"%s\"} %d\n",
			escape(m.outcome), escape(m.code), m.value))
	}
	return builder.String()
}
