// Package config 加载 operatord 的 JSON 配置文件，并为缺省字段填充默认值。
package config
