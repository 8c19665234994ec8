package scheduler

import "container/list"

// taskQueue is the explicit push-front/push-back deque spec.md §9 calls for:
// "Use an explicit queue that supports push-front/push-back; a naive
// re-push-to-back corrupts stage priority under contention." The schedule
// cycle pops from the front and, at the end of a pass, re-pushes skipped
// tasks onto the front in their original relative order — a plain
// re-push-to-back would instead move them behind every task newly enqueued
// during that same pass.
type taskQueue struct{ l *list.List }

func newTaskQueue() *taskQueue { return &taskQueue{l: list.New()} }

func (q *taskQueue) PushBack(taskID uint64)  { q.l.PushBack(taskID) }
func (q *taskQueue) PushFront(taskID uint64) { q.l.PushFront(taskID) }

// PopFront removes and returns the front task id, or (0, false) if empty.
func (q *taskQueue) PopFront() (uint64, bool) {
	e := q.l.Front()
	if e == nil {
		return 0, false
	}
	q.l.Remove(e)
	return e.Value.(uint64), true
}

func (q *taskQueue) Len() int { return q.l.Len() }
