package interview

import (
	"sync"
	"time"
)

// Timer 按固定间隔驱动 Session.Tick，独立于消息收发。
// 会话结束后自行停止；归零时调用一次 onExpire。
type Timer struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartTimer 启动计时协程。onExpire 在计时协程中执行，不能调用 Stop。
func StartTimer(interval time.Duration, session *Session, onExpire func()) *Timer {
	t := &Timer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run(interval, session, onExpire)
	return t
}

func (t *Timer) run(interval time.Duration, session *Session, onExpire func()) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			expired, running := session.Tick()
			if expired {
				if onExpire != nil {
					onExpire()
				}
				return
			}
			if !running {
				return
			}
		}
	}
}

// Stop 停止计时并等待计时协程退出，可重复调用。
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// Done 在计时协程退出后关闭。
func (t *Timer) Done() <-chan struct{} { return t.done }
