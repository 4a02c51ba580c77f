// Package settings 提供插件设置的持久化来源，实现 plugin.SettingsSource。
// 全局设置以空 dataset 存储，数据集设置以 dataset 名称区分。
package settings
