// Package validation 依据算子的输入 schema 校验参数。
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/operator"
)

// ReasonRequired 是必填字段缺失时的原因。
const ReasonRequired = "required"

// FieldError 描述一个字段的校验失败。
type FieldError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result 汇总一次校验。Errors 为空表示通过。
type Result struct {
	Errors []FieldError `json:"errors,omitempty"`
}

// Invalid 判断是否存在字段错误。
func (r Result) Invalid() bool { return len(r.Errors) > 0 }

// Err 把失败的结果转换为 CodeValidationFailed 错误，通过时返回 nil。
func (r Result) Err() error {
	if !r.Invalid() {
		return nil
	}
	parts := make([]string, len(r.Errors))
	for i, fe := range r.Errors {
		parts[i] = fe.Path + ": " + fe.Reason
	}
	return xerrors.New(xerrors.CodeValidationFailed, strings.Join(parts, "; "))
}

// Validator 缓存编译后的字段 schema。
type Validator struct {
	cache sync.Map
}

// NewValidator 创建校验器。
func NewValidator() *Validator { return &Validator{} }

var defaultValidator = NewValidator()

// Validate 使用包级校验器。
func Validate(params map[string]any, schema *operator.Object) Result {
	return defaultValidator.Validate(params, schema)
}

// Validate 校验参数：必填字段缺失（或为 null）记为 required，
// 其余存在的字段按字段类型生成的 JSON Schema 校验。schema 为空时总是通过。
func (v *Validator) Validate(params map[string]any, schema *operator.Object) Result {
	var res Result
	if schema == nil {
		return res
	}
	for _, prop := range schema.Properties() {
		value, present := params[prop.Name]
		if !present || value == nil {
			if prop.Required {
				res.Errors = append(res.Errors, FieldError{Path: prop.Name, Reason: ReasonRequired})
			}
			continue
		}
		res.Errors = append(res.Errors, v.checkField(prop, value)...)
	}
	return res
}

func (v *Validator) checkField(prop operator.Property, value any) []FieldError {
	fragment := prop.Type.JSONSchema()
	if len(fragment) == 0 {
		return nil
	}
	compiled, err := v.compile(fragment)
	if err != nil {
		return []FieldError{{Path: prop.Name, Reason: "invalid schema: " + err.Error()}}
	}
	doc, err := normalize(value)
	if err != nil {
		return []FieldError{{Path: prop.Name, Reason: "value is not serializable"}}
	}
	if err := compiled.Validate(doc); err != nil {
		return flatten(prop.Name, err)
	}
	return nil
}

func (v *Validator) compile(fragment map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(fragment)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	if cached, ok := v.cache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "schema://field.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}

// normalize 把任意 Go 值转换为 JSON 解码形态，便于 schema 校验。
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(field string, err error) []FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []FieldError{{Path: field, Reason: err.Error()}}
	}
	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, FieldError{Path: joinPath(field, e.InstanceLocation), Reason: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func joinPath(field, pointer string) string {
	pointer = strings.Trim(pointer, "/")
	if pointer == "" {
		return field
	}
	return fmt.Sprintf("%s.%s", field, strings.ReplaceAll(pointer, "/", "."))
}
