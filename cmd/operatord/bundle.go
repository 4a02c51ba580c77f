package main

import (
	"context"
	"errors"
	"fmt"

	"OperatorHub/internal/operator"
	"OperatorHub/pkg/plugin"
)

// bundleLoader 打开 Go 插件包，依次调用可选的 Register（组件）与 RegisterOperators（算子）。
// 两个符号至少存在一个。
type bundleLoader struct {
	components *plugin.Registry
	operators  *operator.Registry
}

func (l bundleLoader) LoadScript(ctx context.Context, def plugin.Definition) error {
	so, err := plugin.OpenBundle(def)
	if err != nil {
		return err
	}
	found := false
	if _, err := so.Lookup("Register"); err == nil {
		found = true
		if err := (plugin.GoPluginLoader{Registry: l.components}).LoadScript(ctx, def); err != nil {
			return err
		}
	}
	if symbol, err := so.Lookup("RegisterOperators"); err == nil {
		found = true
		register, err := asRegisterOperators(symbol)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", def.Name, err)
		}
		if err := register(l.operators); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("plugin %s exports neither Register nor RegisterOperators", def.Name)
	}
	return nil
}

func asRegisterOperators(symbol any) (func(*operator.Registry) error, error) {
	switch fn := symbol.(type) {
	case func(*operator.Registry) error:
		return fn, nil
	case *func(*operator.Registry) error:
		if fn == nil || *fn == nil {
			return nil, errors.New("RegisterOperators symbol is nil")
		}
		return *fn, nil
	default:
		return nil, fmt.Errorf("RegisterOperators has unsupported type %T", symbol)
	}
}
