package constants

import "time"

// 连接池默认值（动态属性缺失或无法解析时使用）
const (
	DefaultPropertyPrefix = "dyno"

	DefaultMaxConnsPerHost         = 3
	DefaultMaxTimeoutWhenExhausted = 800 * time.Millisecond
	DefaultMaxFailoverCount        = 3
	DefaultConnectTimeout          = 3000 * time.Millisecond
	DefaultSocketTimeout           = 12000 * time.Millisecond
	DefaultPoolShutdownDelay       = 60000 * time.Millisecond
	DefaultLocalDCAffinity         = true

	// 每个主机每秒最多新建的连接数
	DefaultConnCreateRate  = 50
	DefaultConnCreateBurst = 10
)

// 错误率监控默认值（秒）
const (
	DefaultErrorRateWindow    = 20
	DefaultErrorRateFrequency = 1
	DefaultErrorRateSuppress  = 90
)
