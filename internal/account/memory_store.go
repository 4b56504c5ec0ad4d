package account

import (
	"sync"
)

// MemoryStore 以内存方式维护账户注册表。
// 注册表本身的读写是并发安全的；返回的 *Account 遵循单写者模型，
// 同一账户上的变更由宿主（提案处理器）串行化。
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

// Create 登记一个新账户。
func (s *MemoryStore) Create(acct *Account) error {
	if acct == nil || acct.ID == "" {
		return ErrAccountNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.ID]; ok {
		return ErrAccountConflict
	}
	s.accounts[acct.ID] = acct
	return nil
}

// Get 返回账户的活动实例。
func (s *MemoryStore) Get(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

// List 返回全部账户 ID。
func (s *MemoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	return ids
}
