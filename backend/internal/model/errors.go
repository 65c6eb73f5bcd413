package model

import "errors"

var (
	// ErrNotFound 引用的文档/文件夹/页面不存在
	ErrNotFound = errors.New("NOT_FOUND")

	// ErrConcurrency 保存时版本号校验失败；调用方需要重新加载后再试，内部从不自动重试
	ErrConcurrency = errors.New("CONCURRENCY_CONFLICT")

	// ErrImportCycle 导入负载在当前递归路径上再次出现同一 ID
	ErrImportCycle = errors.New("IMPORT_CYCLE")

	// ErrInvalidPayload 导出 JSON 无法识别或格式错误
	ErrInvalidPayload = errors.New("INVALID_PAYLOAD")
)
