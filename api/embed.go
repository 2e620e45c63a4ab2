// Package api 嵌入 API 描述文件到二进制
package api

import "embed"

// OpenAPIFS 对外 HTTP API 的 OpenAPI 描述
//
//go:embed openapi/*.yaml
var OpenAPIFS embed.FS
