package lifecycle

import "sync"

// Clients 记录浏览器视图（由 client id cookie 标识）是否已被接管。
// 激活前出现的客户端在 Claim 之前不受控；Claim 之后出现的客户端立即受控，无需再记录。
type Clients struct {
	mu      sync.Mutex
	pending map[string]struct{}
	claimed bool
}

// NewClients 返回空注册表。
func NewClients() *Clients {
	return &Clients{pending: make(map[string]struct{})}
}

// Observe 登记一个客户端并返回它当前是否受控。
func (c *Clients) Observe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed {
		return true
	}
	if id != "" {
		c.pending[id] = struct{}{}
	}
	return false
}

// Controlled 返回 Claim 是否已经发生，此后所有客户端都受控。
func (c *Clients) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed
}

// Claim 接管全部已登记客户端，返回被接管的数量。重复调用返回 0。
func (c *Clients) Claim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	c.claimed = true
	c.pending = make(map[string]struct{})
	return n
}

// Pending 返回尚未被接管的客户端数量。
func (c *Clients) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
