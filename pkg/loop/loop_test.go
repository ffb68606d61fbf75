//go:build linux

package loop

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLifecycleCallbacksFireOnce(t *testing.T) {
	var starts, stops int
	l := New(Config{PollTimeoutMS: 10}, Handler{
		OnStart: func(l *Loop) { starts++ },
		OnStop:  func(l *Loop) { stops++ },
		OnIdle:  func(l *Loop) { l.Stop() },
	}, zerolog.Nop())

	if err := l.Run(); err != nil {
		t.Fatal(err)
	}

	if starts != 1 {
		t.Errorf("OnStart called %d times, want 1", starts)
	}
	if stops != 1 {
		t.Errorf("OnStop called %d times, want 1", stops)
	}
}

func TestIdleFiresWhenNothingReady(t *testing.T) {
	idleCount := 0
	l := New(Config{PollTimeoutMS: 5}, Handler{
		OnIdle: func(l *Loop) {
			idleCount++
			if idleCount >= 3 {
				l.Stop()
			}
		},
	}, zerolog.Nop())

	if err := l.Run(); err != nil {
		t.Fatal(err)
	}
	if idleCount < 3 {
		t.Errorf("OnIdle called %d times, want >= 3", idleCount)
	}
}

func TestWatcherReadDispatch(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	read := make(chan []byte, 1)
	l := New(Config{PollTimeoutMS: 1000}, Handler{}, zerolog.Nop())

	_, err = l.AddWatcher(int(r.Fd()), FDHandler{
		OnCanRead: func(fd int) {
			buf := make([]byte, 16)
			n, _ := os.NewFile(uintptr(fd), "r").Read(buf) //nolint:errcheck
			read <- buf[:n]
			l.Stop()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte("hi"))
	}()

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case got := <-read:
		if string(got) != "hi" {
			t.Errorf("read %q, want %q", got, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnCanRead was never invoked")
	}
	<-done
}

func TestDefaultWatchForUnion(t *testing.T) {
	l := New(DefaultConfig, Handler{}, zerolog.Nop())
	w := &Watcher{handler: FDHandler{
		OnCanRead:  func(int) {},
		OnCanWrite: func(int) {},
	}}
	if got := l.defaultWatchFor(w); got != WatchRead|WatchWrite {
		t.Errorf("defaultWatchFor() = %v, want WatchRead|WatchWrite", got)
	}
}

func TestAddWatcherRejectedDuringCallback(t *testing.T) {
	l := New(Config{PollTimeoutMS: 5}, Handler{}, zerolog.Nop())

	var addErr error
	_, err := l.AddWatcher(-1, FDHandler{
		OnWillSelect: func(fd int) WatchFor {
			_, addErr = l.AddWatcher(-1, FDHandler{})
			l.Stop()
			return WatchNone
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Run(); err != nil {
		t.Fatal(err)
	}
	if addErr == nil {
		t.Error("AddWatcher from inside a callback should have failed")
	}
}
