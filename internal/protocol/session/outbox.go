package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingNotice tracks one notice awaiting notice.ack.
type PendingNotice struct {
	Notice        Notice
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

// NoticeOutbox holds unacknowledged notices by notice id so they survive a
// reconnect.
type NoticeOutbox struct {
	mu    sync.RWMutex
	items map[string]PendingNotice
}

func NewNoticeOutbox() *NoticeOutbox {
	return &NoticeOutbox{
		items: make(map[string]PendingNotice),
	}
}

func (o *NoticeOutbox) Upsert(item PendingNotice) {
	key := strings.TrimSpace(item.Notice.NoticeID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *NoticeOutbox) MarkAttempt(noticeID string, at time.Time, lastErr string) (PendingNotice, bool) {
	key := strings.TrimSpace(noticeID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingNotice{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *NoticeOutbox) Remove(noticeID string) {
	key := strings.TrimSpace(noticeID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *NoticeOutbox) Get(noticeID string) (PendingNotice, bool) {
	key := strings.TrimSpace(noticeID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *NoticeOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending notices oldest first.
func (o *NoticeOutbox) List() []PendingNotice {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingNotice, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].Notice.NoticeID < out[j].Notice.NoticeID
	})
	return out
}
