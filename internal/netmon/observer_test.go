package netmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// recorder appends its name to a shared log when notified.
type recorder struct {
	name string
	log  *[]string
	hook func()
}

func (r *recorder) OnNetworkChanged(ChangeEvent) {
	*r.log = append(*r.log, r.name)
	if r.hook != nil {
		r.hook()
	}
}

func notifyAll(l *ObserverList[Observer]) int {
	return l.Notify(func(o Observer) { o.OnNetworkChanged(ChangeEvent{}) })
}

func TestObserverList_OrderAndIdempotentAdd(t *testing.T) {
	var calls []string
	var l ObserverList[Observer]

	a := &recorder{name: "a", log: &calls}
	b := &recorder{name: "b", log: &calls}
	c := &recorder{name: "c", log: &calls}

	assert.True(t, l.Add(a))
	assert.True(t, l.Add(b))
	assert.False(t, l.Add(a))
	assert.True(t, l.Add(c))
	assert.Equal(t, 3, l.Len())

	assert.Equal(t, 3, notifyAll(&l))
	assert.Equal(t, []string{"a", "b", "c"}, calls)
}

func TestObserverList_Remove(t *testing.T) {
	var calls []string
	var l ObserverList[Observer]

	a := &recorder{name: "a", log: &calls}
	b := &recorder{name: "b", log: &calls}
	l.Add(a)
	l.Add(b)

	assert.True(t, l.Remove(a))
	assert.False(t, l.Remove(a))
	assert.False(t, l.Remove(&recorder{name: "stranger", log: &calls}))

	notifyAll(&l)
	assert.Equal(t, []string{"b"}, calls)
}

func TestObserverList_RemoveSelfDuringNotify(t *testing.T) {
	var calls []string
	var l ObserverList[Observer]

	a := &recorder{name: "a", log: &calls}
	b := &recorder{name: "b", log: &calls}
	c := &recorder{name: "c", log: &calls}
	b.hook = func() { l.Remove(b) }
	l.Add(a)
	l.Add(b)
	l.Add(c)

	assert.Equal(t, 3, notifyAll(&l))
	assert.Equal(t, []string{"a", "b", "c"}, calls)

	calls = nil
	assert.Equal(t, 2, notifyAll(&l))
	assert.Equal(t, []string{"a", "c"}, calls)
}

func TestObserverList_RemoveLaterObserverDuringNotify(t *testing.T) {
	var calls []string
	var l ObserverList[Observer]

	a := &recorder{name: "a", log: &calls}
	b := &recorder{name: "b", log: &calls}
	c := &recorder{name: "c", log: &calls}
	a.hook = func() { l.Remove(c) }
	l.Add(a)
	l.Add(b)
	l.Add(c)

	assert.Equal(t, 2, notifyAll(&l))
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestObserverList_AddDuringNotify(t *testing.T) {
	var calls []string
	var l ObserverList[Observer]

	late := &recorder{name: "late", log: &calls}
	a := &recorder{name: "a", log: &calls}
	a.hook = func() { l.Add(late) }
	l.Add(a)

	notifyAll(&l)
	assert.Equal(t, []string{"a"}, calls)

	calls = nil
	a.hook = nil
	notifyAll(&l)
	assert.Equal(t, []string{"a", "late"}, calls)
}

func TestObserverList_ClearDuringNotify(t *testing.T) {
	var calls []string
	var l ObserverList[Observer]

	a := &recorder{name: "a", log: &calls}
	b := &recorder{name: "b", log: &calls}
	a.hook = func() { l.Clear() }
	l.Add(a)
	l.Add(b)

	assert.Equal(t, 1, notifyAll(&l))
	assert.Equal(t, []string{"a"}, calls)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, notifyAll(&l))
}
