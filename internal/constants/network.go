package constants

// 节点连接（Redis 协议）配置
const (
	DefaultRedisPort = 6379

	// 单连接客户端：一个 Connection 只持有一条链路
	NodeClientPoolSize = 1
)

// 管理端口
const (
	DefaultAdminAddr    = "127.0.0.1:8089"
	WebSocketBufferSize = 1024
	EventQueueSize      = 64
)
