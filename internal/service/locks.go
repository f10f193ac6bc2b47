package service

import "sync"

// userLocks сериализует меняющие баланс операции по каждому пользователю.
// Операции разных пользователей выполняются полностью параллельно.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*sync.Mutex)}
}

// acquire блокирует пользователя и возвращает функцию разблокировки.
func (l *userLocks) acquire(userID int64) func() {
	l.mu.Lock()
	lk, ok := l.locks[userID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[userID] = lk
	}
	l.mu.Unlock()

	lk.Lock()
	return lk.Unlock
}
