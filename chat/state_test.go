package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_StateWatch(t *testing.T) {
	s := newState(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Watch(ctx)

	assert.Equal(t, 0, <-ch)
	s.set(1)
	select {
	case v := <-ch:
		assert.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func Test_StateNext(t *testing.T) {
	s := newState("a")
	v, changed := s.Next()
	assert.Equal(t, "a", v)
	s.set("b")
	select {
	case <-changed:
	default:
		t.Fatal("change not signalled")
	}
	assert.Equal(t, "b", s.Load())
}

func Test_Listeners(t *testing.T) {
	var l Listeners[int]
	var a, b []int
	unsubA := l.Subscribe(func(v int) { a = append(a, v) })
	l.Subscribe(func(v int) { b = append(b, v) })

	l.emit(1)
	unsubA()
	unsubA()
	l.emit(2)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)
	assert.Equal(t, 1, l.len())
}
