package target

import (
	"sort"
)

// ThreadList is the thread view of one stop. It is never modified after it
// has been published; a new stop or a plugin change publishes a new list.
type ThreadList struct {
	stopID  uint64
	real    []*RealThread
	virtual []*VirtualThread
	byID    map[uint64]Thread
	byIndex map[int]Thread
	stop    Thread
}

func newThreadList(stopID uint64, real []*RealThread, virtual []*VirtualThread, stopTid uint64) *ThreadList {
	l := &ThreadList{
		stopID:  stopID,
		real:    real,
		virtual: virtual,
		byID:    make(map[uint64]Thread, len(real)+len(virtual)),
		byIndex: make(map[int]Thread, len(real)+len(virtual)),
	}
	for _, t := range real {
		l.byID[t.id] = t
		l.byIndex[t.indexID] = t
	}
	for _, t := range virtual {
		l.byID[t.id] = t
		l.byIndex[t.indexID] = t
	}
	l.stop = l.pickStopThread(stopTid)
	return l
}

// pickStopThread prefers a virtual thread running on the real thread that
// reported the stop.
func (l *ThreadList) pickStopThread(tid uint64) Thread {
	for _, v := range l.virtual {
		if v.backing != nil && v.backing.id == tid {
			return v
		}
	}
	if t, ok := l.byID[tid]; ok {
		return t
	}
	if len(l.real) > 0 {
		return l.real[0]
	}
	return nil
}

// withoutVirtual is the real-only view of the same stop.
func (l *ThreadList) withoutVirtual() *ThreadList {
	tid := uint64(0)
	if l.stop != nil {
		if b, ok := l.stop.Backing(); ok {
			tid = b.id
		}
	}
	return newThreadList(l.stopID, l.real, nil, tid)
}

// StopID increments on every stop.
func (l *ThreadList) StopID() uint64 {
	return l.stopID
}

// Real returns the OS threads in backing index order.
func (l *ThreadList) Real() []*RealThread {
	return append([]*RealThread(nil), l.real...)
}

// Virtual returns the plugin threads in the order the plugin reported them.
func (l *ThreadList) Virtual() []*VirtualThread {
	return append([]*VirtualThread(nil), l.virtual...)
}

// All returns every thread sorted by index id.
func (l *ThreadList) All() []Thread {
	all := make([]Thread, 0, len(l.byIndex))
	for _, t := range l.byIndex {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].IndexID() < all[j].IndexID()
	})
	return all
}

func (l *ThreadList) Len() int {
	return len(l.byID)
}

// ByID looks a thread up by real or virtual id.
func (l *ThreadList) ByID(id uint64) (Thread, bool) {
	t, ok := l.byID[id]
	return t, ok
}

// ByIndexID looks a thread up by its index id.
func (l *ThreadList) ByIndexID(n int) (Thread, bool) {
	t, ok := l.byIndex[n]
	return t, ok
}

// RealAt returns the real thread at backing index i.
func (l *ThreadList) RealAt(i int) (*RealThread, bool) {
	if i < 0 || i >= len(l.real) {
		return nil, false
	}
	return l.real[i], true
}

// StopThread is the thread the stop is reported on, nil once exited.
func (l *ThreadList) StopThread() Thread {
	return l.stop
}

// onReal returns the threads executing on real thread tid: the real thread
// itself and every virtual thread it backs.
func (l *ThreadList) onReal(tid uint64) []Thread {
	var ths []Thread
	for _, v := range l.virtual {
		if v.backing != nil && v.backing.id == tid {
			ths = append(ths, v)
		}
	}
	if t, ok := l.byID[tid]; ok && !t.Virtual() {
		ths = append(ths, t)
	}
	return ths
}
