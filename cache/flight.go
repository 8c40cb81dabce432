package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ShareFM/model"

	"github.com/gofrs/flock"
)

// Flight 同一时间只允许一个解密或下载。
// 进程内用互斥标志，跨进程（CLI 与服务同时运行）用文件锁。第二个请求直接返回 ErrBusy，不排队。
type Flight struct {
	mu   sync.Mutex
	busy bool
	lock *flock.Flock
}

// NewFlight lockPath 为空时只做进程内保护
func NewFlight(lockPath string) *Flight {
	f := &Flight{}
	if lockPath != "" {
		f.lock = flock.New(lockPath)
	}
	return f
}

// TryStart 获取执行权，成功时返回释放函数
func (f *Flight) TryStart() (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return nil, model.ErrBusy
	}
	if f.lock != nil {
		if err := os.MkdirAll(filepath.Dir(f.lock.Path()), 0755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
		locked, err := f.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", f.lock.Path(), err)
		}
		if !locked {
			return nil, model.ErrBusy
		}
	}
	f.busy = true

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.lock != nil {
				_ = f.lock.Unlock()
			}
			f.busy = false
		})
	}, nil
}

// Busy 当前是否有任务在执行（仅进程内）
func (f *Flight) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}
