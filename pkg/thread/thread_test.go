package thread

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	Wrap(func() { os.Exit(m.Run()) })
}

func TestMainThreadDispatch(t *testing.T) {
	done := make(chan struct{})
	Main{}.Dispatch(func() { close(done) })
	<-done
}

func TestLoopOrder(t *testing.T) {
	l := NewLoop("test")
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Dispatch(func() { got = append(got, i) })
	}
	l.Sync(func() {})

	for i, v := range got {
		if i != v {
			t.Fatalf("loop broke FIFO order at %v: %v", i, v)
		}
	}
	if len(got) != 100 {
		t.Errorf("loop lost functions, %v", len(got))
	}
}

func TestLoopCloseDrains(t *testing.T) {
	l := NewLoop("test")
	var n int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() { l.Dispatch(func() { atomic.AddInt32(&n, 1) }); wg.Done() }()
	}
	wg.Wait()
	l.Close()
	l.Close()
	if atomic.LoadInt32(&n) != 10 {
		t.Errorf("not all queued functions were run, %v", n)
	}
	l.Dispatch(func() { t.Errorf("closed loop should ignore new functions") })
}

func TestTasksWait(t *testing.T) {
	var tasks Tasks
	var n int32
	for i := 0; i < 5; i++ {
		tasks.Go("test", func() { atomic.AddInt32(&n, 1) })
	}
	tasks.Wait()
	if atomic.LoadInt32(&n) != 5 {
		t.Errorf("tasks didn't finish, %v", n)
	}
}

func TestTasksWaitForNested(t *testing.T) {
	var tasks Tasks
	var n int32
	tasks.Go("outer", func() {
		time.Sleep(time.Millisecond)
		tasks.Go("inner", func() { atomic.AddInt32(&n, 1) })
	})
	tasks.Wait()
	if atomic.LoadInt32(&n) != 1 {
		t.Errorf("the nested task didn't finish")
	}
}
