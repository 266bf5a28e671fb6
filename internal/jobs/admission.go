package jobs

import "sync"

// Admission は同時に実行できるジョブ数を制限します。
// 上限に達している場合は待たずに拒否します。
type Admission struct {
	mu     sync.Mutex
	active int
	limit  int
}

// NewAdmission は上限 limit の Admission を作成します。limit が1未満の場合は1として扱います。
func NewAdmission(limit int) *Admission {
	if limit < 1 {
		limit = 1
	}
	return &Admission{limit: limit}
}

// TryAcquire は空きがあればスロットを確保して true を返します。
func (a *Admission) TryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active >= a.limit {
		return false
	}
	a.active++
	return true
}

// Release はスロットを返却します。
func (a *Admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active > 0 {
		a.active--
	}
}

// Active は確保中のスロット数を返します。
func (a *Admission) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Limit は上限値を返します。
func (a *Admission) Limit() int {
	return a.limit
}
