package utils

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewRestClient 创建统一配置的 Resty 客户端
// 上传由调用方负责，这里不做自动重试
func NewRestClient(baseURL string, timeout time.Duration, headers map[string]string) *resty.Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "LuxeEstate-Go/1.0").
		SetHeader("Content-Type", "application/json")

	for k, v := range headers {
		client.SetHeader(k, v)
	}

	return client
}
