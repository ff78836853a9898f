package validation

import (
    "fmt"
    "net/mail"
    "reflect"
    "strconv"
    "strings"
    "unicode/utf8"
)

// Validator validates request structs using `validate` tags.
//
// Supported rules: required, email, min=N, max=N, oneof=A B C.
// min/max compare string length, slice length or numeric value.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
    return &Validator{}
}

// FieldError names the field that failed and why
type FieldError struct {
    Field   string
    Message string
}

func (e *FieldError) Error() string {
    return e.Field + ": " + e.Message
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
    val := reflect.ValueOf(s)
    if val.Kind() == reflect.Ptr {
        val = val.Elem()
    }

    if val.Kind() != reflect.Struct {
        return fmt.Errorf("validate expects a struct")
    }

    typ := val.Type()

    for i := 0; i < val.NumField(); i++ {
        field := val.Field(i)
        fieldType := typ.Field(i)
        tag := fieldType.Tag.Get("validate")

        if tag == "" {
            continue
        }

        if err := v.validateField(field, tag); err != nil {
            return &FieldError{Field: jsonName(fieldType), Message: err.Error()}
        }
    }

    return nil
}

// jsonName reports the field as the client sent it
func jsonName(f reflect.StructField) string {
    name := strings.Split(f.Tag.Get("json"), ",")[0]
    if name == "" || name == "-" {
        return f.Name
    }
    return name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
    rules := strings.Split(tag, ",")

    // optional pointers are only checked when set
    if field.Kind() == reflect.Ptr {
        if field.IsNil() {
            for _, rule := range rules {
                if rule == "required" {
                    return fmt.Errorf("field is required")
                }
            }
            return nil
        }
        field = field.Elem()
    }

    for _, rule := range rules {
        parts := strings.SplitN(rule, "=", 2)
        ruleName := parts[0]
        arg := ""
        if len(parts) == 2 {
            arg = parts[1]
        }

        switch ruleName {
        case "required":
            if field.IsZero() {
                return fmt.Errorf("field is required")
            }
            if field.Kind() == reflect.String && strings.TrimSpace(field.String()) == "" {
                return fmt.Errorf("field is required")
            }

        case "email":
            if field.Kind() == reflect.String && field.String() != "" {
                if _, err := mail.ParseAddress(field.String()); err != nil {
                    return fmt.Errorf("invalid email format")
                }
            }

        case "min", "max":
            n, err := strconv.ParseFloat(arg, 64)
            if err != nil {
                return fmt.Errorf("bad %s rule %q", ruleName, arg)
            }
            size, ok := measure(field)
            if !ok {
                continue
            }
            if ruleName == "min" && size < n {
                return fmt.Errorf("minimum is %s", arg)
            }
            if ruleName == "max" && size > n {
                return fmt.Errorf("maximum is %s", arg)
            }

        case "oneof":
            if field.Kind() != reflect.String || field.String() == "" {
                continue
            }
            allowed := strings.Fields(arg)
            found := false
            for _, a := range allowed {
                if field.String() == a {
                    found = true
                    break
                }
            }
            if !found {
                return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
            }
        }
    }

    return nil
}

// measure returns the value min/max compare against
func measure(field reflect.Value) (float64, bool) {
    switch field.Kind() {
    case reflect.String:
        return float64(utf8.RuneCountInString(field.String())), true
    case reflect.Slice, reflect.Map, reflect.Array:
        return float64(field.Len()), true
    case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
        return float64(field.Int()), true
    case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
        return float64(field.Uint()), true
    case reflect.Float32, reflect.Float64:
        return field.Float(), true
    }
    return 0, false
}
