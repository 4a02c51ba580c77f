package settings

import (
	"context"

	"OperatorHub/pkg/plugin"
)

// Stack 按顺序叠加多个来源，靠后的来源优先。典型用法是 YAML 配置在前、数据库在后。
type Stack []plugin.SettingsSource

// GlobalSettings 实现 plugin.SettingsSource。
func (s Stack) GlobalSettings(ctx context.Context, name string) (map[string]any, error) {
	layers := make([]map[string]any, 0, len(s))
	for _, src := range s {
		layer, err := src.GlobalSettings(ctx, name)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return plugin.MergeSettings(layers...), nil
}

// DatasetSettings 实现 plugin.SettingsSource。
func (s Stack) DatasetSettings(ctx context.Context, dataset, name string) (map[string]any, error) {
	layers := make([]map[string]any, 0, len(s))
	for _, src := range s {
		layer, err := src.DatasetSettings(ctx, dataset, name)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return plugin.MergeSettings(layers...), nil
}
