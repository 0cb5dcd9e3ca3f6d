package request

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Request 共享的HTTP客户端，交易所REST接口统一走这里
var Request = resty.New().SetTransport(&http.Transport{
	Proxy: http.ProxyFromEnvironment, // 通用适配环境变量
}).SetRetryCount(3).
	SetRetryWaitTime(500 * time.Millisecond).
	SetTimeout(10 * time.Second)
