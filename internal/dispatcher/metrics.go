package dispatcher

import (
	"math"
	"sort"
	"time"
)

const dailyDateLayout = "2006-01-02"

// aggregator holds counters, the running wait average, daily buckets and the
// recent-event ring. It is guarded by the Dispatcher mutex.
type aggregator struct {
	processed   int64
	rejected    int64
	avgWaitMs   float64
	waitSamples int64

	dailyWindow int
	daily       map[string]*DailyStat

	events     []QueueEvent
	eventStart int
	eventLen   int
}

func newAggregator(eventCap, dailyWindow int) *aggregator {
	return &aggregator{
		dailyWindow: dailyWindow,
		daily:       make(map[string]*DailyStat, dailyWindow+1),
		events:      make([]QueueEvent, eventCap),
	}
}

// observeWait folds one dispatch wait into the running mean.
func (a *aggregator) observeWait(wait time.Duration) {
	ms := float64(wait) / float64(time.Millisecond)
	a.avgWaitMs = (a.avgWaitMs*float64(a.waitSamples) + ms) / float64(a.waitSamples+1)
	a.waitSamples++
}

func (a *aggregator) markProcessed(at time.Time) {
	a.processed++
	a.bucket(at).Processed++
}

func (a *aggregator) markRejected(at time.Time) {
	a.rejected++
	a.bucket(at).Rejected++
}

func (a *aggregator) bucket(at time.Time) *DailyStat {
	key := at.UTC().Format(dailyDateLayout)
	if b, ok := a.daily[key]; ok {
		return b
	}
	b := &DailyStat{Date: key}
	a.daily[key] = b
	for len(a.daily) > a.dailyWindow {
		oldest := ""
		for k := range a.daily {
			if oldest == "" || k < oldest {
				oldest = k
			}
		}
		delete(a.daily, oldest)
	}
	return b
}

func (a *aggregator) push(ev QueueEvent) {
	capacity := len(a.events)
	if capacity == 0 {
		return
	}
	if a.eventLen < capacity {
		a.events[(a.eventStart+a.eventLen)%capacity] = ev
		a.eventLen++
		return
	}
	a.events[a.eventStart] = ev
	a.eventStart = (a.eventStart + 1) % capacity
}

// recentEvents returns the ring contents newest first.
func (a *aggregator) recentEvents() []QueueEvent {
	out := make([]QueueEvent, 0, a.eventLen)
	capacity := len(a.events)
	for i := a.eventLen - 1; i >= 0; i-- {
		out = append(out, a.events[(a.eventStart+i)%capacity])
	}
	return out
}

// dailyTotals returns the buckets newest first.
func (a *aggregator) dailyTotals() []DailyStat {
	out := make([]DailyStat, 0, len(a.daily))
	for _, b := range a.daily {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

func (a *aggregator) roundedAvgWaitMs() int64 {
	return int64(math.Round(a.avgWaitMs))
}

func waitMsPtr(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
