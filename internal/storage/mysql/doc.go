// Package mysql 提供身份绑定与决策审计的 MySQL 持久化实现，
// 以及便于本地开发的文件退化实现。
package mysql
