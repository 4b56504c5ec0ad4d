package account

import "sync"

// LockTable 为每个键维护一把互斥锁。Account 与 Vault 自身不持锁，
// 同一账户（或托管池）上的变更必须由宿主串行化；宿主的各个入口
// （提案处理器、API 服务）共享同一张锁表才能互相排斥。
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable 创建空锁表。
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Acquire 锁住指定键并返回对应的解锁函数。锁按需懒创建，不回收。
func (t *LockTable) Acquire(key string) func() {
	t.mu.Lock()
	lock, ok := t.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[key] = lock
	}
	t.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
