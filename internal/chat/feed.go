package chat

import "sort"

// Feed is a duplicate-free message list kept in (SentAt, ID) order.
// It is not safe for concurrent use; owners guard it.
type Feed struct {
	msgs []Message
	ids  map[string]int
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{ids: make(map[string]int)}
}

// Insert adds m at its sorted position. Returns false if a message with the
// same ID is already present, in which case the feed is unchanged.
func (f *Feed) Insert(m Message) bool {
	if f.ids == nil {
		f.ids = make(map[string]int)
	}
	if _, ok := f.ids[m.ID]; ok {
		return false
	}
	i := sort.Search(len(f.msgs), func(i int) bool { return m.Before(f.msgs[i]) })
	f.msgs = append(f.msgs, Message{})
	copy(f.msgs[i+1:], f.msgs[i:])
	f.msgs[i] = m
	f.reindex(i)
	return true
}

// Contains reports whether a message with the given ID is present.
func (f *Feed) Contains(id string) bool {
	_, ok := f.ids[id]
	return ok
}

// Get returns the message with the given ID.
func (f *Feed) Get(id string) (Message, bool) {
	i, ok := f.ids[id]
	if !ok {
		return Message{}, false
	}
	return f.msgs[i], true
}

// SetDelivery updates the delivery state of a message in place.
func (f *Feed) SetDelivery(id string, d Delivery) bool {
	i, ok := f.ids[id]
	if !ok {
		return false
	}
	f.msgs[i].Delivery = d
	return true
}

// Remove drops a message. Only used to discard failed optimistic sends.
func (f *Feed) Remove(id string) bool {
	i, ok := f.ids[id]
	if !ok {
		return false
	}
	f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
	delete(f.ids, id)
	f.reindex(i)
	return true
}

// Len returns the number of messages.
func (f *Feed) Len() int {
	return len(f.msgs)
}

// Messages returns a copy of the ordered messages.
func (f *Feed) Messages() []Message {
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *Feed) reindex(from int) {
	for j := from; j < len(f.msgs); j++ {
		f.ids[f.msgs[j].ID] = j
	}
}
