package operator

import "encoding/json"

// Kind 描述一个参数字段的值类型。
type Kind string

const (
	KindAny     Kind = "any"
	KindString  Kind = "string"
	KindInt     Kind = "int"
	KindFloat   Kind = "float"
	KindBoolean Kind = "boolean"
	KindList    Kind = "list"
	KindObject  Kind = "object"
	KindEnum    Kind = "enum"
)

// Type 是字段的类型描述。List 使用 Element，Object 使用 Object，Enum 使用 Values。
type Type struct {
	Kind    Kind     `json:"kind"`
	Element *Type    `json:"element,omitempty"`
	Object  *Object  `json:"object,omitempty"`
	Values  []any    `json:"values,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// Property 是输入/输出 schema 中的一个字段。
type Property struct {
	Name        string
	Type        Type
	Required    bool
	Label       string
	Description string
	Default     any
	View        map[string]any
}

// PropertyOption 修改 Property 的可选属性。
type PropertyOption func(*Property)

// Required 标记字段为必填。
func Required() PropertyOption { return func(p *Property) { p.Required = true } }

// Label 设置展示名。
func Label(label string) PropertyOption { return func(p *Property) { p.Label = label } }

// Description 设置字段说明。
func Description(desc string) PropertyOption { return func(p *Property) { p.Description = desc } }

// Default 设置默认值。
func Default(v any) PropertyOption { return func(p *Property) { p.Default = v } }

// Range 限制数值字段的取值范围。
func Range(min, max float64) PropertyOption {
	return func(p *Property) {
		p.Type.Min = &min
		p.Type.Max = &max
	}
}

// Pattern 限制字符串字段的正则。
func Pattern(re string) PropertyOption { return func(p *Property) { p.Type.Pattern = re } }

// View 附加渲染提示，运行时不解释。
func View(view map[string]any) PropertyOption { return func(p *Property) { p.View = view } }

// Object 是有序的字段集合，既是 schema 的根，也可嵌套。
type Object struct {
	properties []Property
	index      map[string]int
}

// NewObject 创建空的 Object。
func NewObject() *Object {
	return &Object{index: make(map[string]int)}
}

// Define 添加（或替换）字段，保持首次定义的位置。
func (o *Object) Define(name string, t Type, opts ...PropertyOption) *Object {
	p := Property{Name: name, Type: t}
	for _, opt := range opts {
		opt(&p)
	}
	if o.index == nil {
		o.index = make(map[string]int)
	}
	if i, ok := o.index[name]; ok {
		o.properties[i] = p
		return o
	}
	o.index[name] = len(o.properties)
	o.properties = append(o.properties, p)
	return o
}

// Str 定义字符串字段。
func (o *Object) Str(name string, opts ...PropertyOption) *Object {
	return o.Define(name, Type{Kind: KindString}, opts...)
}

// Int 定义整数字段。
func (o *Object) Int(name string, opts ...PropertyOption) *Object {
	return o.Define(name, Type{Kind: KindInt}, opts...)
}

// Float 定义浮点字段。
func (o *Object) Float(name string, opts ...PropertyOption) *Object {
	return o.Define(name, Type{Kind: KindFloat}, opts...)
}

// Bool 定义布尔字段。
func (o *Object) Bool(name string, opts ...PropertyOption) *Object {
	return o.Define(name, Type{Kind: KindBoolean}, opts...)
}

// List 定义列表字段。
func (o *Object) List(name string, element Type, opts ...PropertyOption) *Object {
	el := element
	return o.Define(name, Type{Kind: KindList, Element: &el}, opts...)
}

// Obj 定义嵌套对象字段。
func (o *Object) Obj(name string, nested *Object, opts ...PropertyOption) *Object {
	return o.Define(name, Type{Kind: KindObject, Object: nested}, opts...)
}

// Enum 定义枚举字段。
func (o *Object) Enum(name string, values []any, opts ...PropertyOption) *Object {
	return o.Define(name, Type{Kind: KindEnum, Values: values}, opts...)
}

// Properties 返回字段副本，按定义顺序。
func (o *Object) Properties() []Property {
	if o == nil {
		return nil
	}
	out := make([]Property, len(o.properties))
	copy(out, o.properties)
	return out
}

// Property 按名称查找字段。
func (o *Object) Property(name string) (Property, bool) {
	if o == nil {
		return Property{}, false
	}
	i, ok := o.index[name]
	if !ok {
		return Property{}, false
	}
	return o.properties[i], true
}

// Defaults 返回所有带默认值字段的默认参数。
func (o *Object) Defaults() map[string]any {
	out := map[string]any{}
	for _, p := range o.Properties() {
		if p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// JSONSchema 把类型转换为 JSON Schema 片段（不含 required，required 由上层字段遍历处理）。
func (t Type) JSONSchema() map[string]any {
	s := map[string]any{}
	switch t.Kind {
	case KindString:
		s["type"] = "string"
		if t.Pattern != "" {
			s["pattern"] = t.Pattern
		}
	case KindInt:
		s["type"] = "integer"
	case KindFloat:
		s["type"] = "number"
	case KindBoolean:
		s["type"] = "boolean"
	case KindList:
		s["type"] = "array"
		if t.Element != nil {
			s["items"] = t.Element.JSONSchema()
		}
	case KindObject:
		s["type"] = "object"
		if t.Object != nil {
			props := map[string]any{}
			var required []any
			for _, p := range t.Object.Properties() {
				props[p.Name] = p.Type.JSONSchema()
				if p.Required {
					required = append(required, p.Name)
				}
			}
			s["properties"] = props
			if len(required) > 0 {
				s["required"] = required
			}
		}
	case KindEnum:
		s["enum"] = append([]any(nil), t.Values...)
	}
	if t.Kind == KindInt || t.Kind == KindFloat {
		if t.Min != nil {
			s["minimum"] = *t.Min
		}
		if t.Max != nil {
			s["maximum"] = *t.Max
		}
	}
	return s
}

type wireProperty struct {
	Name        string         `json:"name"`
	Type        Type           `json:"type"`
	Required    bool           `json:"required,omitempty"`
	Label       string         `json:"label,omitempty"`
	Description string         `json:"description,omitempty"`
	Default     any            `json:"default,omitempty"`
	View        map[string]any `json:"view,omitempty"`
}

type wireObject struct {
	Properties []wireProperty `json:"properties"`
}

// MarshalJSON 以有序字段列表编码 Object，供远程解析接口传输。
func (o *Object) MarshalJSON() ([]byte, error) {
	w := wireObject{Properties: []wireProperty{}}
	for _, p := range o.Properties() {
		w.Properties = append(w.Properties, wireProperty(p))
	}
	return json.Marshal(w)
}

// UnmarshalJSON 解码 MarshalJSON 的输出。
func (o *Object) UnmarshalJSON(data []byte) error {
	var w wireObject
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*o = Object{index: make(map[string]int)}
	for _, p := range w.Properties {
		o.index[p.Name] = len(o.properties)
		o.properties = append(o.properties, Property(p))
	}
	return nil
}
