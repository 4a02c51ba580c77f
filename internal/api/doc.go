// Package api 通过 HTTP 暴露插件元数据、算子列表、放置位置、远程执行以及调用队列。
// 响应结构与 internal/remote 客户端期望的一致。
package api
