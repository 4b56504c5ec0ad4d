// Package config 负责解析托管服务的启动配置。
package config
