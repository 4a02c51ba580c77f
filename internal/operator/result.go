package operator

// Empty 是算子成功但没有返回值时的结果值。
type Empty struct{}

// Result 是一次执行的结果。Value 与 Err 恰有一个非空。
type Result struct {
	Operator Operator
	Value    any
	Err      error
}

// Success 构造成功结果，nil 值会被替换为 Empty{}。
func Success(op Operator, value any) Result {
	if value == nil {
		value = Empty{}
	}
	return Result{Operator: op, Value: value}
}

// Failure 构造失败结果。
func Failure(op Operator, err error) Result {
	return Result{Operator: op, Err: err}
}

// Failed 判断结果是否为失败。
func (r Result) Failed() bool { return r.Err != nil }

// HasValue 判断是否携带有意义的返回值（Empty 不算）。
func (r Result) HasValue() bool {
	if r.Err != nil || r.Value == nil {
		return false
	}
	_, empty := r.Value.(Empty)
	return !empty
}
