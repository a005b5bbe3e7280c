package variable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Форматы сериализации.
const (
	FormatPrimitive = "primitive"
	FormatJSON      = "application/json"
	FormatYAML      = "application/yaml"
)

// Ключи конфигурации форматов.
const (
	// ConfigIndent — отступ для JSON ("  ", "\t").
	ConfigIndent = "indent"

	// ConfigUseNumber — "true": числа JSON читаются как json.Number.
	ConfigUseNumber = "use_number"
)

// Serializer преобразует значение в байты и обратно.
type Serializer interface {
	Format() string
	Serialize(value any, config map[string]string) ([]byte, error)
	Deserialize(data []byte, config map[string]string) (any, error)
}

// TypedValue — значение с явно заданным форматом и его настройками.
type TypedValue struct {
	Value  any
	Format string
	Config map[string]string
}

// Typed оборачивает значение с указанием формата сериализации.
//
//	scope.Set("order", variable.Typed(order, variable.FormatYAML, nil))
func Typed(value any, format string, config map[string]string) TypedValue {
	return TypedValue{Value: value, Format: format, Config: config}
}

// Formats — реестр сериализаторов.
type Formats struct {
	mu     sync.RWMutex
	byName map[string]Serializer
}

// NewFormats создаёт реестр со встроенными форматами.
func NewFormats() *Formats {
	f := &Formats{byName: make(map[string]Serializer)}
	f.Register(primitiveSerializer{})
	f.Register(jsonSerializer{})
	f.Register(yamlSerializer{})
	return f
}

// Register добавляет или заменяет сериализатор.
func (f *Formats) Register(s Serializer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byName[s.Format()] = s
}

// Get возвращает сериализатор по имени формата.
func (f *Formats) Get(format string) (Serializer, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.byName[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return s, nil
}

// Detect выбирает формат для значения без явного формата.
func Detect(value any) string {
	if isPrimitive(value) {
		return FormatPrimitive
	}
	return FormatJSON
}

func isPrimitive(value any) bool {
	switch value.(type) {
	case nil, bool, string, []byte, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// --- primitive ---

// primitiveEnvelope сохраняет Go-тип, чтобы чтение возвращало тот же тип.
type primitiveEnvelope struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

type primitiveSerializer struct{}

func (primitiveSerializer) Format() string { return FormatPrimitive }

func (primitiveSerializer) Serialize(value any, _ map[string]string) ([]byte, error) {
	if !isPrimitive(value) {
		return nil, fmt.Errorf("%w: %T is not a primitive", ErrSerialization, value)
	}
	env := primitiveEnvelope{Type: primitiveType(value)}
	if value != nil {
		if t, ok := value.(time.Time); ok {
			value = t.Format(time.RFC3339Nano)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		env.Value = raw
	}
	return json.Marshal(env)
}

func (primitiveSerializer) Deserialize(data []byte, _ map[string]string) (any, error) {
	var env primitiveEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if env.Type == "nil" {
		return nil, nil
	}

	var target any
	switch env.Type {
	case "bool":
		target = new(bool)
	case "string":
		target = new(string)
	case "bytes":
		target = new([]byte)
	case "time":
		var s string
		if err := json.Unmarshal(env.Value, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return t, nil
	case "int":
		target = new(int)
	case "int8":
		target = new(int8)
	case "int16":
		target = new(int16)
	case "int32":
		target = new(int32)
	case "int64":
		target = new(int64)
	case "uint":
		target = new(uint)
	case "uint8":
		target = new(uint8)
	case "uint16":
		target = new(uint16)
	case "uint32":
		target = new(uint32)
	case "uint64":
		target = new(uint64)
	case "float32":
		target = new(float32)
	case "float64":
		target = new(float64)
	default:
		return nil, fmt.Errorf("%w: unknown primitive type %q", ErrSerialization, env.Type)
	}

	if err := json.Unmarshal(env.Value, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return reflect.ValueOf(target).Elem().Interface(), nil
}

func primitiveType(value any) string {
	switch value.(type) {
	case nil:
		return "nil"
	case []byte:
		return "bytes"
	case time.Time:
		return "time"
	}
	return reflect.TypeOf(value).Kind().String()
}

// --- application/json ---

type jsonSerializer struct{}

func (jsonSerializer) Format() string { return FormatJSON }

func (jsonSerializer) Serialize(value any, config map[string]string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if indent := config[ConfigIndent]; indent != "" {
		data, err = json.MarshalIndent(value, "", indent)
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func (jsonSerializer) Deserialize(data []byte, config map[string]string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if config[ConfigUseNumber] == "true" {
		dec.UseNumber()
	}
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return v, nil
}

// --- application/yaml ---

type yamlSerializer struct{}

func (yamlSerializer) Format() string { return FormatYAML }

func (yamlSerializer) Serialize(value any, _ map[string]string) (data []byte, err error) {
	// yaml.v3 паникует на неподдерживаемых типах (chan, func).
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("%w: %v", ErrSerialization, r)
		}
	}()

	data, err = yaml.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func (yamlSerializer) Deserialize(data []byte, _ map[string]string) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return v, nil
}
