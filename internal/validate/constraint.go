// Package validate implements query validation, per-model record validators
// and the field type-constraint algebra the schema is declared with.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/openbrook/crudcast/internal/model"
)

// A constraint is an immutable chain of named validators over one primitive
// kind plus the required/allowNull/multi flags. Fluent chain methods copy the
// receiver so parent constraints are never mutated.

type validatorFunc func(v any) (any, error)

type namedValidator struct {
	name string
	fn   validatorFunc
}

type chain struct {
	kind       string
	validators []namedValidator
	required   bool
	allowNull  bool
	multi      bool
}

func (c chain) IsRequired() bool { return c.required }
func (c chain) AllowsNull() bool { return c.allowNull }
func (c chain) IsMulti() bool    { return c.multi }

// Apply runs the chain. Null is accepted when allowNull is set; otherwise the
// validators run in registration order, threading the value so sanitizers
// (lowercase, uppercase) take effect.
func (c chain) Apply(v any) (any, error) {
	if v == nil {
		if c.allowNull {
			return nil, nil
		}
		return nil, fmt.Errorf("value must not be null")
	}
	var err error
	for _, nv := range c.validators {
		v, err = nv.fn(v)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (c chain) extend(name string, fn validatorFunc) chain {
	next := c
	next.validators = make([]namedValidator, len(c.validators), len(c.validators)+1)
	copy(next.validators, c.validators)
	next.validators = append(next.validators, namedValidator{name: name, fn: fn})
	return next
}

// String is the string constraint variant.
type String struct{ chain }

// Number is the number constraint variant.
type Number struct{ chain }

// Boolean is the boolean constraint variant.
type Boolean struct{ chain }

// Any accepts values of any shape; it has no type check.
type Any struct{ chain }

var (
	_ model.Constraint = String{}
	_ model.Constraint = Number{}
	_ model.Constraint = Boolean{}
	_ model.Constraint = Any{}
)

// Str starts a string constraint.
func Str() String {
	c := chain{kind: "string"}
	return String{c.extend("string", func(v any) (any, error) {
		switch v.(type) {
		case string, []byte:
			return v, nil
		}
		return nil, fmt.Errorf("value must be a string")
	})}
}

// Num starts a number constraint.
func Num() Number {
	c := chain{kind: "number"}
	return Number{c.extend("number", func(v any) (any, error) {
		if _, ok := toFloat(v); !ok {
			return nil, fmt.Errorf("value must be a number")
		}
		return v, nil
	})}
}

// Bool starts a boolean constraint.
func Bool() Boolean {
	c := chain{kind: "boolean"}
	return Boolean{c.extend("boolean", func(v any) (any, error) {
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("value must be a boolean")
		}
		return v, nil
	})}
}

// AnyValue starts a constraint without a type check.
func AnyValue() Any {
	return Any{chain{kind: "any"}}
}

// Flag chainers. Each returns a copy.

func (s String) Required() String   { s.chain.required = true; return s }
func (s String) AllowNull() String  { s.chain.allowNull = true; return s }
func (n Number) Required() Number   { n.chain.required = true; return n }
func (n Number) AllowNull() Number  { n.chain.allowNull = true; return n }
func (b Boolean) Required() Boolean { b.chain.required = true; return b }
func (b Boolean) AllowNull() Boolean {
	b.chain.allowNull = true
	return b
}
func (a Any) Required() Any  { a.chain.required = true; return a }
func (a Any) AllowNull() Any { a.chain.allowNull = true; return a }

func asString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v.(string)
}

// String validators.

func (s String) Min(n int) String {
	return String{s.extend("min", func(v any) (any, error) {
		if len(asString(v)) < n {
			return nil, fmt.Errorf("length must be at least %d characters", n)
		}
		return v, nil
	})}
}

func (s String) Max(n int) String {
	return String{s.extend("max", func(v any) (any, error) {
		if len(asString(v)) > n {
			return nil, fmt.Errorf("length must be at most %d characters", n)
		}
		return v, nil
	})}
}

func (s String) Length(n int) String {
	return String{s.extend("length", func(v any) (any, error) {
		if len(asString(v)) != n {
			return nil, fmt.Errorf("length must be exactly %d characters", n)
		}
		return v, nil
	})}
}

var alphanumPattern = regexp.MustCompile(`^[a-zA-Z0-9]*$`)

func (s String) Alphanum() String {
	return String{s.extend("alphanum", func(v any) (any, error) {
		if !alphanumPattern.MatchString(asString(v)) {
			return nil, fmt.Errorf("value must only contain alpha-numeric characters")
		}
		return v, nil
	})}
}

// Regex adds a pattern match. Flags follow the JS convention; only "i" is
// meaningful here and is translated to a (?i) group.
func (s String) Regex(pattern string, flags ...string) String {
	if len(flags) > 0 && strings.Contains(flags[0], "i") {
		pattern = "(?i)" + pattern
	}
	re := regexp.MustCompile(pattern)
	return String{s.extend("regex", func(v any) (any, error) {
		if !re.MatchString(asString(v)) {
			return nil, fmt.Errorf("value must match the pattern %s", re.String())
		}
		return v, nil
	})}
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func (s String) Email() String {
	return String{s.extend("email", func(v any) (any, error) {
		if !emailPattern.MatchString(asString(v)) {
			return nil, fmt.Errorf("value must be a valid email address")
		}
		return v, nil
	})}
}

// Lowercase sanitizes the value to lower case.
func (s String) Lowercase() String {
	return String{s.extend("lowercase", func(v any) (any, error) {
		return strings.ToLower(asString(v)), nil
	})}
}

// Uppercase sanitizes the value to upper case.
func (s String) Uppercase() String {
	return String{s.extend("uppercase", func(v any) (any, error) {
		return strings.ToUpper(asString(v)), nil
	})}
}

func (s String) Enum(values ...string) String {
	allowed := make(map[string]struct{}, len(values))
	for _, v := range values {
		allowed[v] = struct{}{}
	}
	return String{s.extend("enum", func(v any) (any, error) {
		if _, ok := allowed[asString(v)]; !ok {
			return nil, fmt.Errorf("value must be one of [%s]", strings.Join(values, ", "))
		}
		return v, nil
	})}
}

// UUID validates RFC 4122 text form; pass a version (1-5) to pin it.
func (s String) UUID(version ...int) String {
	ver := "1-5"
	if len(version) > 0 {
		ver = fmt.Sprintf("%d", version[0])
	}
	re := regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[` + ver + `][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	return String{s.extend("uuid", func(v any) (any, error) {
		if !re.MatchString(asString(v)) {
			return nil, fmt.Errorf("value must be a valid UUID")
		}
		return v, nil
	})}
}

// MultiValue marks the field as a comma-separated value set for view
// routing.
func (s String) MultiValue() String {
	s.chain.multi = true
	return s
}

// Blob marks the field as carrying a binary payload. It adds no check of its
// own; values still must be strings or byte slices.
func (s String) Blob() String {
	return String{s.extend("blob", func(v any) (any, error) {
		return v, nil
	})}
}

// Number validators.

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func (n Number) Min(min float64) Number {
	return Number{n.extend("min", func(v any) (any, error) {
		f, _ := toFloat(v)
		if f < min {
			return nil, fmt.Errorf("value must be at least %v", min)
		}
		return v, nil
	})}
}

func (n Number) Max(max float64) Number {
	return Number{n.extend("max", func(v any) (any, error) {
		f, _ := toFloat(v)
		if f > max {
			return nil, fmt.Errorf("value must be at most %v", max)
		}
		return v, nil
	})}
}

func (n Number) Integer() Number {
	return Number{n.extend("integer", func(v any) (any, error) {
		f, _ := toFloat(v)
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("value must be an integer")
		}
		return v, nil
	})}
}
