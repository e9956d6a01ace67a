package reconciler

import "sync"

const defaultSeenCapacity = 1024

// Cursor 进程内对账进度：最后确认的签名与有界的已见集合。
// 重启后为空，由对账器从账本最新一笔充值接续，重复入账由账本的外部引用唯一约束兜底。
type Cursor struct {
	mu       sync.Mutex
	last     string
	seen     map[string]struct{}
	order    []string
	capacity int
}

func NewCursor(capacity int) *Cursor {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &Cursor{
		seen:     make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// Last 已确认处理完毕的最新签名
func (c *Cursor) Last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Cursor) Advance(signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = signature
}

func (c *Cursor) Seen(signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[signature]
	return ok
}

// MarkSeen 记录签名，超出容量时淘汰最早的
func (c *Cursor) MarkSeen(signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[signature]; ok {
		return
	}
	c.seen[signature] = struct{}{}
	c.order = append(c.order, signature)
	for len(c.order) > c.capacity {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Cursor) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
